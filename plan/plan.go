package plan

import (
	"fmt"
	"strings"
	"time"
)

// Key is the canonical identifier of a purchasable plan tier
type Key string

// Defining canonical plan tiers
const (
	KeyMonthly Key = "monthly"
	KeySemi    Key = "semi"
	KeyAnnual  Key = "annual"
)

// FreeDeviceLimit is the device cap for accounts without an active subscription
const FreeDeviceLimit = 1

// normalizeTable maps the raw plan slugs seen in checkout links and old
// orders to canonical keys
var normalizeTable = map[string]Key{
	"m": KeyMonthly, "month": KeyMonthly, "monthly": KeyMonthly,
	"s": KeySemi, "semi": KeySemi, "6": KeySemi, "6m": KeySemi,
	"6-month": KeySemi, "6months": KeySemi, "semiannual": KeySemi, "semi-annual": KeySemi,
	"a": KeyAnnual, "y": KeyAnnual, "year": KeyAnnual, "annual": KeyAnnual,
}

// tierOrder ranks tiers for "prefer highest" lookups (index 0 is the highest)
var tierOrder = []Key{KeyAnnual, KeySemi, KeyMonthly}

// Normalize maps a raw plan slug to its canonical Key. Unknown or empty
// slugs normalize to monthly.
func Normalize(raw string) Key {
	key, ok := normalizeTable[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return KeyMonthly
	}
	return key
}

// Known reports whether the raw slug maps to a defined tier without falling
// back to the monthly default
func Known(raw string) bool {
	_, ok := normalizeTable[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// Definition describes a single purchasable tier
type Definition struct {
	Key          Key    `json:"key"`
	Name         string `json:"name"`         // Shown to the customer
	DurationDays int    `json:"durationDays"` // Length of one purchased cycle
	DeviceLimit  int    `json:"deviceLimit"`  // Concurrent active devices permitted on this tier
}

// RegionPrice holds the per-currency price points for all tiers.
// Amounts are in the currency's minor unit (cents).
type RegionPrice struct {
	Country      string `json:"country"`
	Currency     string `json:"currency"`
	MonthlyCents int64  `json:"monthlyCents"`
	SemiCents    int64  `json:"semiCents"`
	AnnualCents  int64  `json:"annualCents"`
}

// Config is the injected plan catalog. It replaces what used to be
// module-level pricing tables so tests and environments can swap catalogs.
type Config struct {
	Plans           []Definition  `json:"plans"`
	Regions         []RegionPrice `json:"regions"`
	SupportedFiats  []string      `json:"supportedFiats"`
	DefaultCurrency string        `json:"defaultCurrency"`

	planIndexMap   map[Key]int
	regionIndexMap map[string]int
}

func (c *Config) validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("catalog defines no plans")
	}
	if len(c.DefaultCurrency) == 0 {
		return fmt.Errorf("catalog defines no default currency")
	}
	for _, def := range c.Plans {
		if def.DurationDays <= 0 {
			return fmt.Errorf("plan %s has non-positive duration", def.Key)
		}
		if def.DeviceLimit <= 0 {
			return fmt.Errorf("plan %s has non-positive device limit", def.Key)
		}
	}
	if _, ok := c.regionForCurrency(c.DefaultCurrency); !ok {
		return fmt.Errorf("no region prices in default currency %s", c.DefaultCurrency)
	}
	return nil
}

func (c *Config) index() {
	c.planIndexMap = make(map[Key]int)
	for i, def := range c.Plans {
		c.planIndexMap[def.Key] = i + 1
	}
	c.regionIndexMap = make(map[string]int)
	for i, region := range c.Regions {
		// first region with a given currency wins
		if c.regionIndexMap[strings.ToUpper(region.Currency)] == 0 {
			c.regionIndexMap[strings.ToUpper(region.Currency)] = i + 1
		}
	}
}

// Get returns the Definition for a canonical Key
func (c *Config) Get(key Key) (Definition, bool) {
	index := c.planIndexMap[key]
	if index == 0 {
		return Definition{}, false
	}
	return c.Plans[index-1], true
}

// Duration returns the validity window length for one purchased cycle of
// the given tier
func (c *Config) Duration(key Key) (time.Duration, error) {
	def, ok := c.Get(key)
	if !ok {
		return 0, fmt.Errorf("no plan defined with key %s", key)
	}
	return time.Duration(def.DurationDays) * 24 * time.Hour, nil
}

// DeviceLimit returns the device cap for the given tier. An empty or
// undefined key yields the free-tier cap of one device.
func (c *Config) DeviceLimit(key Key) int {
	def, ok := c.Get(key)
	if !ok {
		return FreeDeviceLimit
	}
	return def.DeviceLimit
}

// HighestTier picks the most capable tier out of the given keys
// (annual > semi > monthly). Returns false if none of the keys is defined.
func (c *Config) HighestTier(keys []Key) (Key, bool) {
	present := make(map[Key]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	for _, tier := range tierOrder {
		if present[tier] {
			if _, ok := c.Get(tier); ok {
				return tier, true
			}
		}
	}
	return "", false
}

func (c *Config) regionForCurrency(currency string) (RegionPrice, bool) {
	index := c.regionIndexMap[strings.ToUpper(currency)]
	if index == 0 {
		return RegionPrice{}, false
	}
	return c.Regions[index-1], true
}

func (c *Config) fiatSupported(currency string) bool {
	for _, fiat := range c.SupportedFiats {
		if strings.EqualFold(fiat, currency) {
			return true
		}
	}
	return false
}

// EffectivePrice resolves the charge amount for a tier in the requested
// fiat currency. When the requested currency is not supported by the
// gateway, the price falls back to the default currency's region. The
// returned currency is the one actually charged.
func (c *Config) EffectivePrice(key Key, currency string) (int64, string, error) {
	ccy := strings.ToUpper(strings.TrimSpace(currency))
	if len(ccy) == 0 || !c.fiatSupported(ccy) {
		ccy = strings.ToUpper(c.DefaultCurrency)
	}
	region, ok := c.regionForCurrency(ccy)
	if !ok {
		region, ok = c.regionForCurrency(c.DefaultCurrency)
		if !ok {
			return 0, "", fmt.Errorf("no region prices in default currency %s", c.DefaultCurrency)
		}
		ccy = strings.ToUpper(c.DefaultCurrency)
	}
	switch key {
	case KeyAnnual:
		return region.AnnualCents, ccy, nil
	case KeySemi:
		return region.SemiCents, ccy, nil
	case KeyMonthly:
		return region.MonthlyCents, ccy, nil
	default:
		return 0, "", fmt.Errorf("no plan defined with key %s", key)
	}
}

// FormatAmount renders a minor-unit amount as a two decimal string for the
// gateway API (e.g. 1099 -> "10.99")
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
