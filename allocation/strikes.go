package allocation

import (
	"context"
	"time"
)

// Strike is the requester's counter state after a cancellation.
type Strike struct {
	CancelCount int
	BannedUntil *time.Time
	// Banned is true when this cancellation triggered the ban.
	Banned bool
}

// StrikePolicy is the only writer of Requester.CancelCount and BannedUntil.
type StrikePolicy struct {
	store  Store
	policy Policy
	now    func() time.Time
}

func NewStrikePolicy(store Store, policy Policy, now func() time.Time) *StrikePolicy {
	if now == nil {
		now = time.Now
	}
	return &StrikePolicy{store: store, policy: policy, now: now}
}

// RecordCancellation counts a strike when the cancelled request was active
// (Pending or Accepted). Reaching the threshold bans the requester and
// resets the counter.
func (p *StrikePolicy) RecordCancellation(ctx context.Context, id RequesterID, previous Status) (Strike, error) {
	if !previous.Outstanding() {
		r, err := p.store.GetRequester(ctx, id)
		if err != nil {
			return Strike{}, err
		}
		return Strike{CancelCount: r.CancelCount, BannedUntil: r.BannedUntil}, nil
	}

	now := p.now()
	var banned bool
	r, err := p.store.UpdateRequester(ctx, id, func(r *Requester) error {
		r.CancelCount++
		if r.CancelCount >= p.policy.StrikeThreshold {
			r.BannedUntil = timePtr(now.Add(p.policy.BanDuration))
			r.CancelCount = 0
			banned = true
		}
		return nil
	})
	if err != nil {
		return Strike{}, err
	}
	return Strike{CancelCount: r.CancelCount, BannedUntil: r.BannedUntil, Banned: banned}, nil
}

// AssertNotBanned fails with *BannedError while asOf is inside the ban window.
func (p *StrikePolicy) AssertNotBanned(r Requester, asOf time.Time) error {
	if r.BannedUntil != nil && r.BannedUntil.After(asOf) {
		return &BannedError{RequesterID: r.ID, Until: *r.BannedUntil}
	}
	return nil
}

// ManualBan suspends the requester for BanDuration regardless of strikes.
func (p *StrikePolicy) ManualBan(ctx context.Context, id RequesterID) (*Requester, error) {
	until := p.now().Add(p.policy.BanDuration)
	return p.store.UpdateRequester(ctx, id, func(r *Requester) error {
		r.BannedUntil = timePtr(until)
		return nil
	})
}
