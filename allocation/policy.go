package allocation

import (
	"fmt"
	"time"
)

// Defaults for the safety constants. Earlier iterations of the product used
// 90 days of cooldown, 5 strikes and 30 days of ban; these are overridable
// through Policy.
const (
	DefaultCooldownPeriod  = 56 * 24 * time.Hour
	DefaultStrikeThreshold = 3
	DefaultBanDuration     = 90 * 24 * time.Hour
)

// Policy holds the configurable safety constants.
type Policy struct {
	// CooldownPeriod is the minimum time between two recorded donations.
	CooldownPeriod time.Duration
	// StrikeThreshold is the number of counted cancellations that triggers a ban.
	StrikeThreshold int
	// BanDuration is how long a ban lasts, automatic or manual.
	BanDuration time.Duration
	// BanBlocksCancel makes an active ban block cancellations too.
	BanBlocksCancel bool
}

func DefaultPolicy() Policy {
	return Policy{
		CooldownPeriod:  DefaultCooldownPeriod,
		StrikeThreshold: DefaultStrikeThreshold,
		BanDuration:     DefaultBanDuration,
		BanBlocksCancel: true,
	}
}

func (p Policy) Validate() error {
	if p.CooldownPeriod <= 0 {
		return fmt.Errorf("cooldown period must be positive, got %s", p.CooldownPeriod)
	}
	if p.StrikeThreshold < 1 {
		return fmt.Errorf("strike threshold must be at least 1, got %d", p.StrikeThreshold)
	}
	if p.BanDuration <= 0 {
		return fmt.Errorf("ban duration must be positive, got %s", p.BanDuration)
	}
	return nil
}
