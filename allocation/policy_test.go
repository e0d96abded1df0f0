package allocation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/allocation/store"
	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// INVENTORY LEDGER
// =============================================================================

func TestLedger_DebitCredit(t *testing.T) {
	f := newFixture(t)
	ledger := f.svc.Ledger()

	balance, err := ledger.Debit(f.ctx, blood.ONeg, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)

	balance, err = ledger.Credit(f.ctx, blood.ONeg, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, balance)

	_, err = ledger.Debit(f.ctx, blood.ONeg, 5)
	assert.ErrorIs(t, err, allocation.ErrInsufficientInventory)
	assert.Equal(t, 4, f.units("stock-o-neg"))

	_, err = ledger.Debit(f.ctx, blood.ABPos, 1)
	assert.ErrorIs(t, err, allocation.ErrNotFound, "no AB+ entry")

	_, err = ledger.Debit(f.ctx, "Z", 1)
	assert.ErrorIs(t, err, allocation.ErrValidation)

	_, err = ledger.Credit(f.ctx, blood.ONeg, 0)
	assert.ErrorIs(t, err, allocation.ErrValidation)
}

func TestLedger_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	// GIVEN: 5 units of O-
	f := newFixture(t)
	ledger := f.svc.Ledger()

	// WHEN: 20 callers race for one unit each
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(context.Background(), blood.ONeg, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if assert.ErrorIs(t, err, allocation.ErrInsufficientInventory) {
				refused++
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 5 succeed and the balance is 0
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, refused)
	assert.Equal(t, 0, f.units("stock-o-neg"))
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestEligibility_RecordDonationOnce(t *testing.T) {
	f := newFixture(t)
	tracker := f.svc.Eligibility()

	d, err := tracker.RecordDonation(f.ctx, "d-bpos-pune", t0)
	require.NoError(t, err)
	assert.Equal(t, t0, *d.LastDonationDate)
	assert.Equal(t, t0.Add(56*day), *d.NextEligibleDate)

	_, err = tracker.RecordDonation(f.ctx, "d-bpos-pune", t0.Add(day))
	assert.ErrorIs(t, err, allocation.ErrInvalidState)

	d, err = tracker.RecordDonation(f.ctx, "d-bpos-pune", t0.Add(56*day))
	require.NoError(t, err, "eligible again on the boundary")
	assert.Equal(t, t0.Add(112*day), *d.NextEligibleDate)
}

func TestEligibility_IsEligibleBoundary(t *testing.T) {
	tracker := allocation.NewEligibilityTracker(store.NewMemory(), allocation.DefaultCooldownPeriod)
	next := t0.Add(10 * day)
	d := allocation.Donor{ID: "d", NextEligibleDate: &next}

	assert.True(t, tracker.IsEligible(allocation.Donor{ID: "fresh"}, t0))
	assert.False(t, tracker.IsEligible(d, next.Add(-time.Second)))
	assert.True(t, tracker.IsEligible(d, next))
}

// =============================================================================
// STRIKES
// =============================================================================

func TestStrikes_OnlyActiveCancellationsCount(t *testing.T) {
	f := newFixture(t)
	strikes := f.svc.Strikes()

	for _, previous := range []allocation.Status{allocation.StatusWaitingForMatch, allocation.StatusRejected} {
		s, err := strikes.RecordCancellation(f.ctx, "r1", previous)
		require.NoError(t, err)
		assert.Zero(t, s.CancelCount, previous)
	}

	s, err := strikes.RecordCancellation(f.ctx, "r1", allocation.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CancelCount)

	s, err = strikes.RecordCancellation(f.ctx, "r1", allocation.StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, 2, s.CancelCount)
	assert.False(t, s.Banned)
}

func TestStrikes_ConfigurableThreshold(t *testing.T) {
	f := newFixture(t, func(p *allocation.Policy) {
		p.StrikeThreshold = 5
		p.BanDuration = 30 * day
	})
	strikes := f.svc.Strikes()

	var s allocation.Strike
	var err error
	for i := 0; i < 5; i++ {
		s, err = strikes.RecordCancellation(f.ctx, "r2", allocation.StatusPending)
		require.NoError(t, err)
		if i < 4 {
			assert.False(t, s.Banned)
		}
	}

	assert.True(t, s.Banned)
	assert.Zero(t, s.CancelCount)
	assert.Equal(t, t0.Add(30*day), *s.BannedUntil)
}

func TestStrikes_AssertNotBanned(t *testing.T) {
	f := newFixture(t)
	until := t0.Add(day)
	r := allocation.Requester{ID: "r1", BannedUntil: &until}

	assert.ErrorIs(t, f.svc.Strikes().AssertNotBanned(r, t0), allocation.ErrBanned)
	assert.NoError(t, f.svc.Strikes().AssertNotBanned(r, until))
	assert.NoError(t, f.svc.Strikes().AssertNotBanned(allocation.Requester{ID: "r2"}, t0))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, allocation.DefaultPolicy().Validate())

	p := allocation.DefaultPolicy()
	p.StrikeThreshold = 0
	assert.Error(t, p.Validate())

	_, err := allocation.NewService(store.NewMemory(), p)
	assert.Error(t, err)
}
