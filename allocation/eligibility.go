package allocation

import (
	"context"
	"fmt"
	"time"
)

// EligibilityTracker owns the donation dates of a donor. RecordDonation is
// the only code path that writes them, exactly once per accepted donation.
type EligibilityTracker struct {
	store    Store
	cooldown time.Duration
}

func NewEligibilityTracker(store Store, cooldown time.Duration) *EligibilityTracker {
	return &EligibilityTracker{store: store, cooldown: cooldown}
}

// IsEligible is true if the donor has no next-eligible date or it is not
// after asOf.
func (t *EligibilityTracker) IsEligible(d Donor, asOf time.Time) bool {
	return d.NextEligibleDate == nil || !d.NextEligibleDate.After(asOf)
}

// IsBusy is true while the donor holds a Pending or Accepted donor request.
func (t *EligibilityTracker) IsBusy(ctx context.Context, id DonorID) (bool, error) {
	outstanding, err := t.store.ListRequests(ctx, RequestFilter{
		Kind:     KindDonor,
		DonorID:  id,
		Statuses: []Status{StatusPending, StatusAccepted},
	})
	if err != nil {
		return false, fmt.Errorf("list donor requests: %w", err)
	}
	return len(outstanding) > 0, nil
}

// CheckAvailable returns a *DonorUnavailableError if the donor cannot be
// assigned at asOf.
func (t *EligibilityTracker) CheckAvailable(ctx context.Context, d Donor, asOf time.Time) error {
	if !t.IsEligible(d, asOf) {
		return &DonorUnavailableError{DonorID: d.ID, Reason: "cooling down", EligibleAt: d.NextEligibleDate}
	}
	busy, err := t.IsBusy(ctx, d.ID)
	if err != nil {
		return err
	}
	if busy {
		return &DonorUnavailableError{DonorID: d.ID, Reason: "already assigned to an outstanding request"}
	}
	return nil
}

// RecordDonation stamps the donation and derives the next eligible date.
// Recording a second donation inside the cooldown window is InvalidState.
func (t *EligibilityTracker) RecordDonation(ctx context.Context, id DonorID, date time.Time) (*Donor, error) {
	return t.store.UpdateDonor(ctx, id, func(d *Donor) error {
		if !t.IsEligible(*d, date) {
			return fmt.Errorf("%w: donor %s already has a donation recorded, next eligible %s",
				ErrInvalidState, d.ID, d.NextEligibleDate.Format(time.DateOnly))
		}
		d.LastDonationDate = timePtr(date)
		d.NextEligibleDate = timePtr(date.Add(t.cooldown))
		return nil
	})
}
