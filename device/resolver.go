package device

import (
	"context"
	"sort"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Resolution is the premium verdict for a client identifier
type Resolution struct {
	Premium    bool       `json:"premium"`
	Exists     bool       `json:"exists"`
	DeviceUUID string     `json:"device_uuid,omitempty"`
	AccountID  string     `json:"-"`
	PlanKey    string     `json:"-"`
	EndsAt     *time.Time `json:"-"`
}

// Resolve determines whether a client identifier is entitled to premium
// service across every account it is actively registered under. The same
// identifier may appear under multiple accounts; one active subscription
// on any of them is enough. Read-only: nothing is mutated regardless of
// the verdict.
func (m *Manager) Resolve(ctx context.Context, clientUUID string) (*Resolution, error) {
	actives := make([]Device, 0, 2)
	if res := m.DB.WithContext(ctx).
		Where("client_uuid = ? AND active = ?", clientUUID, true).
		Find(&actives); res.Error != nil {
		return nil, extErrors.Wrap(res.Error, "Cannot look up devices by client identifier")
	}

	if len(actives) == 0 {
		m.Logger.Debug("Handshake from unknown client identifier",
			zap.String("ClientUUID", clientUUID),
		)
		return &Resolution{}, nil
	}

	seen := make(map[string]struct{}, len(actives))
	accountIDs := make([]string, 0, len(actives))
	for _, d := range actives {
		if _, ok := seen[d.AccountID]; ok {
			continue
		}
		seen[d.AccountID] = struct{}{}
		accountIDs = append(accountIDs, d.AccountID)
	}
	sort.Strings(accountIDs)

	winner, err := m.Subscriptions.BestActiveAmong(ctx, accountIDs)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		m.Logger.Debug("Client identifier registered but not entitled",
			zap.String("ClientUUID", clientUUID),
			zap.Int("NumAccounts", len(accountIDs)),
		)
		return &Resolution{
			Exists: true,
		}, nil
	}

	// representative device: the winning account's registration for this
	// identifier, most recently seen first
	var representative *Device
	for i := range actives {
		d := &actives[i]
		if d.AccountID != winner.AccountID {
			continue
		}
		if representative == nil || d.LastSeen.After(representative.LastSeen) {
			representative = d
		}
	}

	resolution := &Resolution{
		Premium:   true,
		Exists:    true,
		AccountID: winner.AccountID,
		PlanKey:   winner.PlanKey,
		EndsAt:    &winner.EndsAt,
	}
	if representative != nil {
		resolution.DeviceUUID = representative.UUID
	}

	m.Logger.Info("Resolved premium entitlement",
		zap.String("ClientUUID", clientUUID),
		zap.String("AccountID", winner.AccountID),
		zap.String("PlanKey", winner.PlanKey),
		zap.Time("EndsAt", winner.EndsAt),
	)

	return resolution, nil
}
