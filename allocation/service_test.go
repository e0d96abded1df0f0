package allocation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// MAIN REQUESTS
// =============================================================================

func TestCreateMain_WaitingForMatch(t *testing.T) {
	f := newFixture(t)

	main := f.createMain("r1", blood.ONeg, 2)

	assert.Equal(t, allocation.KindMain, main.Kind)
	assert.Equal(t, allocation.StatusWaitingForMatch, main.Status)
	assert.Equal(t, allocation.RequesterID("r1"), main.RequesterID)
	assert.Empty(t, main.ParentID)
	assert.Equal(t, main, ptr(f.request(main.ID)))
	assert.Contains(t, f.eventTypes(), allocation.EventMainCreated)
}

func TestCreateMain_Validation(t *testing.T) {
	f := newFixture(t)
	valid := allocation.MainRequestInput{
		BloodGroup: blood.APos, Units: 1, City: "Pune", RequiredDate: t0.Add(day),
	}

	tests := []struct {
		name  string
		edit  func(*allocation.MainRequestInput)
		field string
	}{
		{"unknown group", func(in *allocation.MainRequestInput) { in.BloodGroup = "C+" }, "blood_group"},
		{"zero units", func(in *allocation.MainRequestInput) { in.Units = 0 }, "units"},
		{"negative units", func(in *allocation.MainRequestInput) { in.Units = -2 }, "units"},
		{"blank city", func(in *allocation.MainRequestInput) { in.City = "  " }, "city"},
		{"no required date", func(in *allocation.MainRequestInput) { in.RequiredDate = time.Time{} }, "required_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.edit(&in)
			_, err := f.svc.CreateMainRequest(f.ctx, requester("r1"), in)

			var verr *allocation.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateMain_GuardsActor(t *testing.T) {
	f := newFixture(t)
	in := allocation.MainRequestInput{BloodGroup: blood.APos, Units: 1, City: "Pune", RequiredDate: t0.Add(day)}

	_, err := f.svc.CreateMainRequest(f.ctx, donor("d-apos-pune"), in)
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	_, err = f.svc.CreateMainRequest(f.ctx, requester("nobody"), in)
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

// =============================================================================
// STOCK FULFILLMENT
// =============================================================================

func TestStockFulfillment_ScenarioTwoUnitsOfONeg(t *testing.T) {
	// GIVEN: Main for 2 units of O-, O- stock of 5
	f := newFixture(t)
	main := f.createMain("r1", blood.ONeg, 2)

	// WHEN: two 1-unit stock children are created
	c1 := f.stockChild("r1", "stock-o-neg", 1)
	c2 := f.stockChild("r1", "stock-o-neg", 1)

	// THEN: stock is 3 and Main is Matched
	assert.Equal(t, 3, f.units("stock-o-neg"))
	assert.Equal(t, allocation.StatusMatched, f.status(main.ID))
	assert.Equal(t, main.ID, c1.ParentID)
	assert.Equal(t, allocation.StatusPending, c1.Status)
	assert.Equal(t, main.RequiredDate, c1.RequiredDate)
	assert.Equal(t, main.City, c1.City)

	// WHEN: admin rejects the first child
	_, err := f.svc.AdminReject(f.ctx, admin, c1.ID)
	require.NoError(t, err)

	// THEN: stock credited back to 4, Main still Matched
	assert.Equal(t, 4, f.units("stock-o-neg"))
	assert.Equal(t, allocation.StatusMatched, f.status(main.ID))

	// WHEN: admin rejects the last child
	_, err = f.svc.AdminReject(f.ctx, admin, c2.ID)
	require.NoError(t, err)

	// THEN: stock back to 5, Main Rejected since every child was rejected
	assert.Equal(t, 5, f.units("stock-o-neg"))
	assert.Equal(t, allocation.StatusRejected, f.status(main.ID))
}

func TestStockFulfillment_CapacityExceeded_LeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.ONeg, 2)

	_, err := f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-o-neg", 3)

	var capErr *allocation.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, allocation.ErrValidation)
	assert.Equal(t, 2, capErr.Remaining)
	assert.Equal(t, 5, f.units("stock-o-neg"))
	assert.Equal(t, allocation.StatusWaitingForMatch, f.status(main.ID))

	summary, err := f.svc.GetSummary(f.ctx, requester("r1"), main.ID)
	require.NoError(t, err)
	assert.Empty(t, summary.Children)
}

func TestStockFulfillment_RejectedChildFreesCapacity(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.ONeg, 2)
	c1 := f.stockChild("r1", "stock-o-neg", 1)
	f.stockChild("r1", "stock-o-neg", 1)

	_, err := f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-o-neg", 1)
	require.ErrorIs(t, err, allocation.ErrValidation)

	_, err = f.svc.AdminReject(f.ctx, admin, c1.ID)
	require.NoError(t, err)

	f.stockChild("r1", "stock-o-neg", 1)
	assert.Equal(t, 3, f.units("stock-o-neg"))
}

func TestStockFulfillment_InsufficientInventory(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.BPos, 10)

	_, err := f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-b-pos", 5)

	var inv *allocation.InsufficientInventoryError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 4, inv.Available)
	assert.Equal(t, 5, inv.Requested)
	assert.Equal(t, 4, f.units("stock-b-pos"))
	assert.Equal(t, allocation.StatusWaitingForMatch, f.status(main.ID))
}

func TestStockFulfillment_IncompatibleGroup(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.ONeg, 1)

	_, err := f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-a-pos", 1)

	assert.ErrorIs(t, err, allocation.ErrValidation)
	assert.Equal(t, 5, f.units("stock-a-pos"))
}

func TestStockFulfillment_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-o-neg", 1)
	assert.ErrorIs(t, err, allocation.ErrNotFound, "no open main")

	f.createMain("r1", blood.ONeg, 1)
	_, err = f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-missing", 1)
	assert.ErrorIs(t, err, allocation.ErrNotFound)

	_, err = f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-o-neg", 0)
	assert.ErrorIs(t, err, allocation.ErrValidation)
}

func TestStockFulfillment_TargetsLatestOpenMain(t *testing.T) {
	f := newFixture(t)
	older := f.createMain("r1", blood.APos, 1)
	f.advance(time.Minute)
	newer := f.createMain("r1", blood.APos, 1)

	child := f.stockChild("r1", "stock-a-pos", 1)

	assert.Equal(t, newer.ID, child.ParentID)
	assert.Equal(t, allocation.StatusWaitingForMatch, f.status(older.ID))
}

// =============================================================================
// ADMIN DECISIONS
// =============================================================================

func TestAdminAccept_StockChild(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	child := f.stockChild("r1", "stock-a-pos", 1)

	accepted, err := f.svc.AdminAccept(f.ctx, admin, child.ID)
	require.NoError(t, err)

	assert.Equal(t, allocation.StatusAccepted, accepted.Status)
	assert.Equal(t, allocation.InTransit, accepted.TransitState)
	require.NotNil(t, accepted.ArrivalDate)
	assert.Equal(t, main.RequiredDate, *accepted.ArrivalDate)
	assert.Equal(t, 4, f.units("stock-a-pos"), "no further ledger effect")
	assert.Equal(t, allocation.StatusMatched, f.status(main.ID))
}

func TestAdminDecisions_Guards(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.APos, 2)
	stock := f.stockChild("r1", "stock-a-pos", 1)
	donated := f.donorChild("r1", "d-apos-pune")

	_, err := f.svc.AdminAccept(f.ctx, requester("r1"), stock.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	_, err = f.svc.AdminAccept(f.ctx, admin, donated.ID)
	assert.ErrorIs(t, err, allocation.ErrValidation, "donor requests are not admin-reviewed")

	_, err = f.svc.AdminAccept(f.ctx, admin, stock.ID)
	require.NoError(t, err)
	_, err = f.svc.AdminReject(f.ctx, admin, stock.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "accepted is not pending")
	assert.Equal(t, 4, f.units("stock-a-pos"))

	_, err = f.svc.AdminAccept(f.ctx, admin, "missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

// =============================================================================
// DONOR FULFILLMENT
// =============================================================================

func TestDonorFulfillment_AcceptRecordsDonation(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	child := f.donorChild("r1", "d-apos-pune")

	assert.Equal(t, 1, child.Units)
	assert.Equal(t, allocation.DonorID("d-apos-pune"), child.DonorID)
	assert.Equal(t, allocation.StatusMatched, f.status(main.ID))

	f.advance(time.Hour)
	accepted, err := f.svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)
	require.NoError(t, err)

	assert.Equal(t, allocation.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ArrivalDate)
	assert.Equal(t, main.RequiredDate, *accepted.ArrivalDate)
	assert.Equal(t, &allocation.Contact{Name: "Sana", Phone: "+91-8000000002"}, accepted.DonorContact)
	assert.Equal(t, &allocation.Contact{Name: "Asha Kulkarni", Phone: "+91-9000000001"}, accepted.RequesterContact)

	d := f.donorRecord("d-apos-pune")
	require.NotNil(t, d.LastDonationDate)
	assert.Equal(t, f.clock(), *d.LastDonationDate)
	assert.Equal(t, f.clock().Add(allocation.DefaultCooldownPeriod), *d.NextEligibleDate)
}

func TestDonorAccept_Guards(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	child := f.donorChild("r1", "d-apos-pune")

	_, err := f.svc.DonorAccept(f.ctx, donor("d-apos-mumbai"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden, "not the assigned donor")

	_, err = f.svc.DonorAccept(f.ctx, requester("r1"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	_, err = f.svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)
	require.NoError(t, err)

	_, err = f.svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "already accepted")
}

func TestDonorAccept_CoolingDownDonorRefusedBeforeMoving(t *testing.T) {
	// GIVEN: a pending donor child whose donor meanwhile got a donation on record
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	child := f.donorChild("r1", "d-apos-pune")

	d := f.donorRecord("d-apos-pune")
	d.LastDonationDate = ptr(t0)
	d.NextEligibleDate = ptr(t0.Add(allocation.DefaultCooldownPeriod))
	require.NoError(t, f.store.SaveDonor(f.ctx, d))

	// WHEN: the donor accepts
	_, err := f.svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)

	// THEN: InvalidState and the child never left pending
	require.ErrorIs(t, err, allocation.ErrInvalidState)
	got := f.request(child.ID)
	assert.Equal(t, allocation.StatusPending, got.Status)
	assert.Equal(t, child.UpdatedAt, got.UpdatedAt)
	assert.Nil(t, got.ArrivalDate)
	assert.Nil(t, got.DonorContact)
	assert.NotContains(t, f.eventTypes(), allocation.EventAccepted)
}

func TestDonorAccept_DonationRecordFailureReverts(t *testing.T) {
	// GIVEN: a donation lands elsewhere between the acceptance and the
	// donation record
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	child := f.donorChild("r1", "d-apos-pune")

	st := &interleavedStore{Memory: f.store}
	st.beforeDonorUpdate = func() {
		d := f.donorRecord("d-apos-pune")
		d.NextEligibleDate = ptr(t0.Add(allocation.DefaultCooldownPeriod))
		require.NoError(t, f.store.SaveDonor(f.ctx, d))
	}
	svc := f.serviceOver(st)

	// WHEN: the donor accepts
	_, err := svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)

	// THEN: InvalidState and the child is back to pending without snapshots
	require.ErrorIs(t, err, allocation.ErrInvalidState)
	got := f.request(child.ID)
	assert.Equal(t, allocation.StatusPending, got.Status)
	assert.Empty(t, got.TransitState)
	assert.Nil(t, got.ArrivalDate)
	assert.Nil(t, got.DonorContact)
	assert.Nil(t, got.RequesterContact)
}

func TestDonorAccept_SweptBeforeRevertKeepsClosed(t *testing.T) {
	// GIVEN: between the acceptance and the donation record, the sweep
	// closes the child and a donation lands elsewhere
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	child := f.donorChild("r1", "d-apos-pune")

	st := &interleavedStore{Memory: f.store}
	st.beforeDonorUpdate = func() {
		n, err := f.svc.SweepArrivals(f.ctx, sweeper, t0.Add(2*day))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		d := f.donorRecord("d-apos-pune")
		d.NextEligibleDate = ptr(t0.Add(allocation.DefaultCooldownPeriod))
		require.NoError(t, f.store.SaveDonor(f.ctx, d))
	}
	svc := f.serviceOver(st)

	// WHEN: the donor accepts
	_, err := svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)

	// THEN: only the donation error surfaces and the swept state stands
	require.ErrorIs(t, err, allocation.ErrInvalidState)
	var se *allocation.StateError
	assert.False(t, errors.As(err, &se), "the failed revert is not reported as the cause")
	assert.Equal(t, allocation.StatusClosed, f.status(child.ID))
	assert.Equal(t, allocation.StatusClosed, f.status(main.ID))
}

// =============================================================================
// DONOR VOLUNTEERING AND CLOSE
// =============================================================================

func TestVolunteer_CreatesPendingDonorChild(t *testing.T) {
	// GIVEN: an open A+ requirement
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 2)

	// WHEN: an O- donor volunteers
	child, err := f.svc.Volunteer(f.ctx, donor("d-oneg-pune"), main.ID)

	// THEN: a pending one-unit donor child under the Main, which is matched
	require.NoError(t, err)
	assert.Equal(t, allocation.KindDonor, child.Kind)
	assert.Equal(t, allocation.StatusPending, child.Status)
	assert.Equal(t, main.ID, child.ParentID)
	assert.Equal(t, allocation.DonorID("d-oneg-pune"), child.DonorID)
	assert.Equal(t, blood.ONeg, child.BloodGroup)
	assert.Equal(t, 1, child.Units)
	assert.Equal(t, allocation.StatusMatched, f.status(main.ID))
	assert.Contains(t, f.eventTypes(), allocation.EventChildCreated)

	assigned, err := f.svc.AssignedRequests(f.ctx, donor("d-oneg-pune"))
	require.NoError(t, err)
	assert.Equal(t, []allocation.RequestID{child.ID}, ids(assigned))
}

func TestVolunteer_Guards(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	full := f.createMain("r2", blood.APos, 1)
	f.stockChild("r2", "stock-a-pos", 1)

	tests := []struct {
		name  string
		actor allocation.Actor
		id    allocation.RequestID
		want  error
	}{
		{"requester cannot volunteer", requester("r1"), main.ID, allocation.ErrForbidden},
		{"incompatible group", donor("d-bpos-pune"), main.ID, allocation.ErrValidation},
		{"no capacity left", donor("d-apos-pune"), full.ID, allocation.ErrValidation},
		{"unknown main", donor("d-apos-pune"), "nope", allocation.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Volunteer(f.ctx, tt.actor, tt.id)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("child id is not a main", func(t *testing.T) {
		child, err := f.svc.Volunteer(f.ctx, donor("d-apos-pune"), main.ID)
		require.NoError(t, err)
		_, err = f.svc.Volunteer(f.ctx, donor("d-oneg-pune"), child.ID)
		assert.ErrorIs(t, err, allocation.ErrNotFound)
	})

	t.Run("busy donor", func(t *testing.T) {
		other := f.createMain("r3", blood.APos, 1)
		_, err := f.svc.Volunteer(f.ctx, donor("d-apos-pune"), other.ID)
		var du *allocation.DonorUnavailableError
		require.ErrorAs(t, err, &du)
		assert.Equal(t, allocation.DonorID("d-apos-pune"), du.DonorID)
	})
}

func TestVolunteer_ClosedMainIsInvalidState(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	_, err := f.svc.Cancel(f.ctx, requester("r1"), main.ID)
	require.NoError(t, err)

	_, err = f.svc.Volunteer(f.ctx, donor("d-apos-pune"), main.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState)
}

func TestDonorClose_VolunteerLifecycle(t *testing.T) {
	// GIVEN: a donor volunteered and accepted
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	child, err := f.svc.Volunteer(f.ctx, donor("d-apos-pune"), main.ID)
	require.NoError(t, err)

	_, err = f.svc.DonorClose(f.ctx, donor("d-apos-pune"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "pending cannot close")

	_, err = f.svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)
	require.NoError(t, err)
	f.advance(day)

	_, err = f.svc.DonorClose(f.ctx, donor("d-oneg-pune"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden, "not the assigned donor")

	// WHEN: the donor confirms arrival a day later
	closed, err := f.svc.DonorClose(f.ctx, donor("d-apos-pune"), child.ID)

	// THEN: closed and arrived now, Main resolved, donation recorded once
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusClosed, closed.Status)
	assert.Equal(t, allocation.Arrived, closed.TransitState)
	require.NotNil(t, closed.ArrivalDate)
	assert.Equal(t, t0.Add(day), *closed.ArrivalDate)
	assert.Equal(t, allocation.StatusClosed, f.status(main.ID))
	assert.Contains(t, f.eventTypes(), allocation.EventClosed)

	d := f.donorRecord("d-apos-pune")
	require.NotNil(t, d.LastDonationDate)
	assert.Equal(t, t0, *d.LastDonationDate)

	// WHEN: the sweep runs afterwards
	n, err := f.svc.SweepArrivals(f.ctx, sweeper, t0.Add(3*day))

	// THEN: nothing left to close
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.DonorClose(f.ctx, donor("d-apos-pune"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "closed is terminal")
}

func TestDonorReject_AggregatesParent(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	child := f.donorChild("r1", "d-apos-pune")

	rejected, err := f.svc.DonorReject(f.ctx, donor("d-apos-pune"), child.ID)
	require.NoError(t, err)

	assert.Equal(t, allocation.StatusRejected, rejected.Status)
	assert.Equal(t, allocation.StatusRejected, f.status(main.ID))

	busy, err := f.svc.Eligibility().IsBusy(f.ctx, "d-apos-pune")
	require.NoError(t, err)
	assert.False(t, busy, "rejection releases the donor")

	_, err = f.svc.DonorReject(f.ctx, donor("d-apos-pune"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "terminal statuses are never revisited")
}

func TestDonorFulfillment_BusyDonorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	f.createMain("r2", blood.APos, 1)
	f.donorChild("r1", "d-apos-pune")

	_, err := f.svc.CreateDonorFulfillment(f.ctx, requester("r2"), "d-apos-pune")

	var du *allocation.DonorUnavailableError
	require.ErrorAs(t, err, &du)
	assert.Equal(t, allocation.DonorID("d-apos-pune"), du.DonorID)
}

func TestDonorFulfillment_CooldownScenario(t *testing.T) {
	// GIVEN: cooldown of 56 days; one donor gave 60 days ago, another 10 days ago
	f := newFixture(t)
	now := f.clock()
	for _, d := range []allocation.Donor{
		{ID: "d-rested", BloodGroup: blood.APos, City: "Pune",
			LastDonationDate: ptr(now.Add(-60 * day)), NextEligibleDate: ptr(now.Add(-4 * day))},
		{ID: "d-recent", BloodGroup: blood.APos, City: "Pune",
			LastDonationDate: ptr(now.Add(-10 * day)), NextEligibleDate: ptr(now.Add(46 * day))},
	} {
		require.NoError(t, f.store.SaveDonor(f.ctx, d))
	}
	f.createMain("r1", blood.APos, 2)

	assert.True(t, f.svc.Eligibility().IsEligible(f.donorRecord("d-rested"), now))
	assert.False(t, f.svc.Eligibility().IsEligible(f.donorRecord("d-recent"), now))

	// WHEN / THEN
	f.donorChild("r1", "d-rested")

	_, err := f.svc.CreateDonorFulfillment(f.ctx, requester("r1"), "d-recent")
	var du *allocation.DonorUnavailableError
	require.ErrorAs(t, err, &du)
	require.NotNil(t, du.EligibleAt)
	assert.Equal(t, now.Add(46*day), *du.EligibleAt)
}

func TestDonorFulfillment_NeedsRemainingCapacity(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	f.stockChild("r1", "stock-a-pos", 1)

	_, err := f.svc.CreateDonorFulfillment(f.ctx, requester("r1"), "d-apos-pune")

	var capErr *allocation.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Zero(t, capErr.Remaining)
}

func TestDonorFulfillment_IncompatibleDonor(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.ONeg, 1)

	_, err := f.svc.CreateDonorFulfillment(f.ctx, requester("r1"), "d-apos-pune")
	assert.ErrorIs(t, err, allocation.ErrValidation)

	_, err = f.svc.CreateDonorFulfillment(f.ctx, requester("r1"), "d-missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_PendingStockChildCreditsAndAggregates(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.ONeg, 1)
	child := f.stockChild("r1", "stock-o-neg", 1)
	require.Equal(t, 4, f.units("stock-o-neg"))

	res, err := f.svc.Cancel(f.ctx, requester("r1"), child.ID)
	require.NoError(t, err)

	assert.Equal(t, allocation.StatusRejected, res.Request.Status)
	assert.Equal(t, 1, res.CancelCount)
	assert.Nil(t, res.BannedUntil)
	assert.Equal(t, 5, f.units("stock-o-neg"))
	assert.Equal(t, allocation.StatusRejected, f.status(main.ID))
}

func TestCancel_DonorChildDoesNotTouchStock(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 2)
	f.stockChild("r1", "stock-a-pos", 1)
	child := f.donorChild("r1", "d-apos-pune")
	_, err := f.svc.DonorAccept(f.ctx, donor("d-apos-pune"), child.ID)
	require.NoError(t, err)

	res, err := f.svc.Cancel(f.ctx, requester("r1"), child.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.CancelCount, "accepted cancellations count")
	assert.Equal(t, 4, f.units("stock-a-pos"))
	assert.Equal(t, allocation.StatusMatched, f.status(main.ID), "stock child still pending")
}

func TestCancel_Guards(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	child := f.stockChild("r1", "stock-a-pos", 1)

	_, err := f.svc.Cancel(f.ctx, requester("r2"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	_, err = f.svc.Cancel(f.ctx, admin, child.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	_, err = f.svc.Cancel(f.ctx, requester("r1"), "missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)

	_, err = f.svc.Cancel(f.ctx, requester("r1"), child.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(f.ctx, requester("r1"), child.ID)
	assert.ErrorIs(t, err, allocation.ErrInvalidState)
	assert.Equal(t, 5, f.units("stock-a-pos"), "credited exactly once")
}

func TestCancel_WaitingMainIsNotAStrike(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)

	res, err := f.svc.Cancel(f.ctx, requester("r1"), main.ID)
	require.NoError(t, err)

	assert.Equal(t, allocation.StatusRejected, res.Request.Status)
	assert.Zero(t, res.CancelCount)
	assert.Zero(t, f.requesterRecord("r1").CancelCount)
}

func TestCancel_MatchedMainIsInvalidState(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.APos, 1)
	f.stockChild("r1", "stock-a-pos", 1)

	_, err := f.svc.Cancel(f.ctx, requester("r1"), main.ID)

	var se *allocation.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, allocation.StatusMatched, se.Actual)
}

func TestCancel_ThirdStrikeBans(t *testing.T) {
	// GIVEN: threshold 3 and a requester who cancels three active children
	f := newFixture(t)
	var last *allocation.CancelResult
	for i := 0; i < 3; i++ {
		f.createMain("r1", blood.APos, 1)
		child := f.stockChild("r1", "stock-a-pos", 1)
		res, err := f.svc.Cancel(f.ctx, requester("r1"), child.ID)
		require.NoError(t, err)
		last = res
	}

	// THEN: banned for the ban duration, counter reset
	now := f.clock()
	require.NotNil(t, last.BannedUntil)
	assert.Equal(t, now.Add(allocation.DefaultBanDuration), *last.BannedUntil)
	assert.Zero(t, last.CancelCount)
	r := f.requesterRecord("r1")
	assert.Zero(t, r.CancelCount)
	assert.Contains(t, f.eventTypes(), allocation.EventRequesterBanned)

	// WHEN: creating a Main during the ban
	_, err := f.svc.CreateMainRequest(f.ctx, requester("r1"), allocation.MainRequestInput{
		BloodGroup: blood.APos, Units: 1, City: "Pune", RequiredDate: now.Add(day),
	})
	var banned *allocation.BannedError
	require.ErrorAs(t, err, &banned)
	assert.Equal(t, *last.BannedUntil, banned.Until)

	// WHEN: the ban elapses
	f.advance(allocation.DefaultBanDuration)
	f.createMain("r1", blood.APos, 1)
}

func TestCancel_BanBlocksCancel(t *testing.T) {
	f := newFixture(t)
	f.createMain("r1", blood.APos, 1)
	child := f.stockChild("r1", "stock-a-pos", 1)
	_, err := f.svc.ManualBan(f.ctx, admin, "r1")
	require.NoError(t, err)

	_, err = f.svc.Cancel(f.ctx, requester("r1"), child.ID)

	assert.ErrorIs(t, err, allocation.ErrBanned)
	assert.Equal(t, allocation.StatusPending, f.status(child.ID))
}

func TestCancel_BanDoesNotBlockCancelWhenRelaxed(t *testing.T) {
	f := newFixture(t, func(p *allocation.Policy) { p.BanBlocksCancel = false })
	f.createMain("r1", blood.APos, 1)
	child := f.stockChild("r1", "stock-a-pos", 1)
	_, err := f.svc.ManualBan(f.ctx, admin, "r1")
	require.NoError(t, err)

	_, err = f.svc.Cancel(f.ctx, requester("r1"), child.ID)
	assert.NoError(t, err)
}

func TestManualBan(t *testing.T) {
	f := newFixture(t, func(p *allocation.Policy) { p.BanDuration = 30 * day })

	_, err := f.svc.ManualBan(f.ctx, requester("r2"), "r1")
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	r, err := f.svc.ManualBan(f.ctx, admin, "r1")
	require.NoError(t, err)
	assert.Equal(t, f.clock().Add(30*day), *r.BannedUntil)
	assert.Zero(t, r.CancelCount)

	_, err = f.svc.ManualBan(f.ctx, admin, "nobody")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

// =============================================================================
// SUMMARY
// =============================================================================

func TestGetSummary(t *testing.T) {
	f := newFixture(t)
	main := f.createMain("r1", blood.ONeg, 4)
	f.stockChild("r1", "stock-o-neg", 1)
	rejected := f.stockChild("r1", "stock-o-neg", 1)
	f.donorChild("r1", "d-oneg-pune")
	_, err := f.svc.AdminReject(f.ctx, admin, rejected.ID)
	require.NoError(t, err)

	s, err := f.svc.GetSummary(f.ctx, requester("r1"), main.ID)
	require.NoError(t, err)

	assert.Len(t, s.Children, 3)
	assert.Equal(t, 2, s.Allocated)
	assert.Equal(t, 2, s.Remaining)
	assert.Equal(t, "0.5", s.Fill.String())

	_, err = f.svc.GetSummary(f.ctx, requester("r2"), main.ID)
	assert.ErrorIs(t, err, allocation.ErrForbidden)

	_, err = f.svc.GetSummary(f.ctx, admin, main.ID)
	assert.NoError(t, err)
}

func TestService_ErrorKinds(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateStockFulfillment(f.ctx, requester("r1"), "stock-o-neg", 1)
	assert.Equal(t, allocation.KindNotFound, allocation.KindOf(err))
	assert.True(t, allocation.IsClientError(err))
	assert.False(t, allocation.IsClientError(errors.New("disk on fire")))
}

func ptr[T any](v T) *T { return &v }
