package plan

import (
	"encoding/json"
	"io/ioutil"

	extErrors "github.com/pkg/errors"
)

// LoadConfigFromFile will read the plan catalog JSON to define what tiers
// are available for purchase and how they are priced per region.
// Note, changing DurationDays or DeviceLimit only affects future grants and
// registrations; rows already written keep the windows they were granted.
func LoadConfigFromFile(filename string) (*Config, error) {
	jsonBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plan catalog JSON file")
	}
	return LoadConfig(jsonBytes)
}

// LoadConfig parses and validates a plan catalog
func LoadConfig(jsonBytes []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan catalog JSON")
	}
	cfg.index()
	if err := cfg.validate(); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan catalog")
	}
	return &cfg, nil
}
