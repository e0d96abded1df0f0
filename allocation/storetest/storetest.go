// Package storetest holds the behavioural contract every allocation.Store
// implementation must satisfy. Store packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/blood"
)

// Backend is a store under test. Both interfaces are usually the same value.
type Backend interface {
	allocation.Store
	allocation.Directory
}

// Factory returns an empty backend. It is called once per subtest.
type Factory func(t *testing.T) Backend

var t0 = time.Date(2025, time.April, 10, 8, 30, 0, 123456000, time.UTC)

// Run executes the contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"Requesters", testRequesters},
		{"Donors", testDonors},
		{"Stock", testStock},
		{"RequestRoundTrip", testRequestRoundTrip},
		{"ListRequests", testListRequests},
		{"InsertChildAdmission", testInsertChildAdmission},
		{"UpdateRequestGuard", testUpdateRequestGuard},
		{"UpdateFamily", testUpdateFamily},
		{"ConcurrentAdjustStock", testConcurrentAdjustStock},
		{"ConcurrentDonorAssignment", testConcurrentDonorAssignment},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func mainRequest(id allocation.RequestID, requester allocation.RequesterID, group blood.Group, units int, created time.Time) allocation.Request {
	return allocation.Request{
		ID:           id,
		Kind:         allocation.KindMain,
		RequesterID:  requester,
		BloodGroup:   group,
		Units:        units,
		City:         "Pune",
		Hospital:     "Sassoon",
		RequiredDate: created.Add(48 * time.Hour),
		Status:       allocation.StatusWaitingForMatch,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func stockChild(id allocation.RequestID, parent allocation.Request, units int, created time.Time) allocation.Request {
	return allocation.Request{
		ID:           id,
		Kind:         allocation.KindStock,
		RequesterID:  parent.RequesterID,
		StockEntryID: "stock-" + allocation.StockEntryID(parent.BloodGroup),
		ParentID:     parent.ID,
		BloodGroup:   parent.BloodGroup,
		Units:        units,
		City:         parent.City,
		RequiredDate: parent.RequiredDate,
		Status:       allocation.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func donorChild(id allocation.RequestID, parent allocation.Request, donor allocation.DonorID, created time.Time) allocation.Request {
	return allocation.Request{
		ID:           id,
		Kind:         allocation.KindDonor,
		RequesterID:  parent.RequesterID,
		DonorID:      donor,
		ParentID:     parent.ID,
		BloodGroup:   parent.BloodGroup,
		Units:        1,
		City:         parent.City,
		RequiredDate: parent.RequiredDate,
		Status:       allocation.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func sameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// CONTRACT
// =============================================================================

func testRequesters(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveRequester(ctx, allocation.Requester{ID: "r1", Name: "Asha", Phone: "1"}))

	_, err := b.GetRequester(ctx, "missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)

	until := t0.Add(time.Hour)
	r, err := b.UpdateRequester(ctx, "r1", func(r *allocation.Requester) error {
		r.CancelCount = 2
		r.BannedUntil = &until
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.CancelCount)

	got, err := b.GetRequester(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.Name)
	assert.Equal(t, 2, got.CancelCount)
	require.NotNil(t, got.BannedUntil)
	sameTime(t, until, *got.BannedUntil)

	boom := errors.New("boom")
	_, err = b.UpdateRequester(ctx, "r1", func(r *allocation.Requester) error {
		r.CancelCount = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = b.GetRequester(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CancelCount, "failed update writes nothing")

	_, err = b.UpdateRequester(ctx, "missing", func(*allocation.Requester) error { return nil })
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

func testDonors(t *testing.T, b Backend) {
	ctx := context.Background()
	for _, d := range []allocation.Donor{
		{ID: "d3", BloodGroup: blood.ONeg, City: "Pune"},
		{ID: "d1", BloodGroup: blood.APos, City: "Pune"},
		{ID: "d2", BloodGroup: blood.BPos, City: "Mumbai"},
	} {
		require.NoError(t, b.SaveDonor(ctx, d))
	}

	donors, err := b.ListDonors(ctx, []blood.Group{blood.ONeg, blood.APos})
	require.NoError(t, err)
	require.Len(t, donors, 2)
	assert.Equal(t, allocation.DonorID("d1"), donors[0].ID)
	assert.Equal(t, allocation.DonorID("d3"), donors[1].ID)

	donors, err = b.ListDonors(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, donors)

	d, err := b.UpdateDonor(ctx, "d1", func(d *allocation.Donor) error {
		d.LastDonationDate = &t0
		next := t0.Add(56 * 24 * time.Hour)
		d.NextEligibleDate = &next
		return nil
	})
	require.NoError(t, err)
	got, err := b.GetDonor(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got.NextEligibleDate)
	sameTime(t, *d.NextEligibleDate, *got.NextEligibleDate)
	assert.Equal(t, blood.APos, got.BloodGroup)

	_, err = b.GetDonor(ctx, "missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

func testStock(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveStockEntry(ctx, allocation.StockEntry{ID: "s-o", BloodGroup: blood.ONeg, Units: 2, LastUpdated: t0}))
	require.NoError(t, b.SaveStockEntry(ctx, allocation.StockEntry{ID: "s-a", BloodGroup: blood.APos, Units: 0, LastUpdated: t0}))

	err := b.SaveStockEntry(ctx, allocation.StockEntry{ID: "s-o-2", BloodGroup: blood.ONeg, Units: 1})
	assert.ErrorIs(t, err, allocation.ErrValidation, "one entry per group")

	later := t0.Add(time.Minute)
	e, err := b.AdjustStock(ctx, blood.ONeg, -2, later)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Units)
	sameTime(t, later, e.LastUpdated)

	_, err = b.AdjustStock(ctx, blood.ONeg, -1, later)
	var inv *allocation.InsufficientInventoryError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 0, inv.Available)
	assert.Equal(t, 1, inv.Requested)

	_, err = b.AdjustStock(ctx, blood.BNeg, 1, later)
	assert.ErrorIs(t, err, allocation.ErrNotFound)

	e, err = b.AdjustStock(ctx, blood.ONeg, 3, later)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Units)

	entries, err := b.ListStock(ctx, []blood.Group{blood.APos, blood.BNeg, blood.ONeg})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, blood.APos, entries[0].BloodGroup)
	assert.Equal(t, blood.ONeg, entries[1].BloodGroup)

	got, err := b.GetStockEntry(ctx, "s-o")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Units)

	_, err = b.GetStockEntry(ctx, "missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

func testRequestRoundTrip(t *testing.T, b Backend) {
	ctx := context.Background()
	main := mainRequest("m1", "r1", blood.ONeg, 2, t0)
	main.PatientRef = "PT-9"
	main.Contact = "ward 3"
	require.NoError(t, b.InsertMain(ctx, main))

	err := b.InsertMain(ctx, main)
	assert.ErrorIs(t, err, allocation.ErrValidation, "duplicate id")

	child := donorChild("c1", main, "d1", t0.Add(time.Second))
	parent, err := b.InsertChild(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusMatched, parent.Status)

	arrival := main.RequiredDate
	updated, err := b.UpdateRequest(ctx, "c1", []allocation.Status{allocation.StatusPending}, func(r *allocation.Request) error {
		r.Status = allocation.StatusAccepted
		r.TransitState = allocation.InTransit
		r.ArrivalDate = &arrival
		r.DonorContact = &allocation.Contact{Name: "Leela", Phone: "2"}
		r.RequesterContact = &allocation.Contact{Name: "Asha", Phone: "1"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusAccepted, updated.Status)

	got, err := b.GetRequest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, allocation.KindDonor, got.Kind)
	assert.Equal(t, allocation.DonorID("d1"), got.DonorID)
	assert.Equal(t, allocation.RequestID("m1"), got.ParentID)
	assert.Equal(t, blood.ONeg, got.BloodGroup)
	assert.Equal(t, "Pune", got.City)
	assert.Equal(t, allocation.InTransit, got.TransitState)
	require.NotNil(t, got.ArrivalDate)
	sameTime(t, arrival, *got.ArrivalDate)
	sameTime(t, child.CreatedAt, got.CreatedAt)
	assert.Equal(t, &allocation.Contact{Name: "Leela", Phone: "2"}, got.DonorContact)
	assert.Equal(t, &allocation.Contact{Name: "Asha", Phone: "1"}, got.RequesterContact)

	gotMain, err := b.GetRequest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "PT-9", gotMain.PatientRef)
	assert.Equal(t, "ward 3", gotMain.Contact)
	assert.Equal(t, allocation.StatusMatched, gotMain.Status)
	assert.Nil(t, gotMain.ArrivalDate)
	assert.Nil(t, gotMain.DonorContact)

	_, err = b.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

func testListRequests(t *testing.T, b Backend) {
	ctx := context.Background()
	m1 := mainRequest("m1", "r1", blood.APos, 3, t0)
	m2 := mainRequest("m2", "r2", blood.BPos, 1, t0.Add(time.Minute))
	m3 := mainRequest("m3", "r1", blood.APos, 1, t0.Add(2*time.Minute))
	for _, m := range []allocation.Request{m1, m2, m3} {
		require.NoError(t, b.InsertMain(ctx, m))
	}
	_, err := b.InsertChild(ctx, stockChild("c1", m1, 1, t0.Add(3*time.Minute)))
	require.NoError(t, err)
	_, err = b.InsertChild(ctx, donorChild("c2", m1, "d1", t0.Add(4*time.Minute)))
	require.NoError(t, err)

	list := func(f allocation.RequestFilter) []allocation.RequestID {
		t.Helper()
		rs, err := b.ListRequests(ctx, f)
		require.NoError(t, err)
		out := make([]allocation.RequestID, len(rs))
		for i, r := range rs {
			out[i] = r.ID
		}
		return out
	}

	assert.Equal(t, []allocation.RequestID{"c2", "c1", "m3", "m2", "m1"}, list(allocation.RequestFilter{}))
	assert.Equal(t, []allocation.RequestID{"m3", "m1"}, list(allocation.RequestFilter{Kind: allocation.KindMain, RequesterID: "r1"}))
	assert.Equal(t, []allocation.RequestID{"m3", "m2"}, list(allocation.RequestFilter{
		Kind: allocation.KindMain, Statuses: []allocation.Status{allocation.StatusWaitingForMatch},
	}))
	assert.Equal(t, []allocation.RequestID{"c2", "c1"}, list(allocation.RequestFilter{ParentID: "m1"}))
	assert.Equal(t, []allocation.RequestID{"c2"}, list(allocation.RequestFilter{DonorID: "d1"}))
	assert.Empty(t, list(allocation.RequestFilter{Kind: allocation.KindStock, Statuses: []allocation.Status{allocation.StatusClosed}}))
}

func testInsertChildAdmission(t *testing.T, b Backend) {
	ctx := context.Background()
	m1 := mainRequest("m1", "r1", blood.APos, 2, t0)
	m2 := mainRequest("m2", "r2", blood.APos, 2, t0)
	require.NoError(t, b.InsertMain(ctx, m1))
	require.NoError(t, b.InsertMain(ctx, m2))

	_, err := b.InsertChild(ctx, stockChild("c1", m1, 3, t0))
	var capErr *allocation.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Remaining)

	_, err = b.InsertChild(ctx, stockChild("c1", m1, 2, t0))
	require.NoError(t, err)
	_, err = b.InsertChild(ctx, stockChild("c2", m1, 1, t0))
	assert.ErrorAs(t, err, &capErr)

	_, err = b.InsertChild(ctx, donorChild("c3", m2, "d1", t0))
	require.NoError(t, err)
	_, err = b.InsertChild(ctx, donorChild("c4", m2, "d1", t0))
	assert.ErrorIs(t, err, allocation.ErrDonorUnavailable)

	orphan := stockChild("c5", m1, 1, t0)
	orphan.ParentID = "missing"
	_, err = b.InsertChild(ctx, orphan)
	assert.ErrorIs(t, err, allocation.ErrNotFound)

	incompatible := stockChild("c6", m2, 1, t0)
	incompatible.BloodGroup = blood.BPos
	_, err = b.InsertChild(ctx, incompatible)
	assert.ErrorIs(t, err, allocation.ErrValidation)

	_, err = b.UpdateRequest(ctx, "m2", []allocation.Status{allocation.StatusMatched}, func(r *allocation.Request) error {
		r.Status = allocation.StatusClosed
		return nil
	})
	require.NoError(t, err)
	_, err = b.InsertChild(ctx, stockChild("c7", m2, 1, t0))
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "closed parent")

	children, err := b.ListRequests(ctx, allocation.RequestFilter{ParentID: "m1"})
	require.NoError(t, err)
	assert.Len(t, children, 1, "refused children leave nothing behind")
}

func testUpdateRequestGuard(t *testing.T, b Backend) {
	ctx := context.Background()
	m := mainRequest("m1", "r1", blood.APos, 1, t0)
	require.NoError(t, b.InsertMain(ctx, m))

	_, err := b.UpdateRequest(ctx, "m1", []allocation.Status{allocation.StatusMatched}, func(r *allocation.Request) error {
		r.Status = allocation.StatusRejected
		return nil
	})
	var se *allocation.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, allocation.StatusWaitingForMatch, se.Actual)

	_, err = b.UpdateRequest(ctx, "m1", []allocation.Status{allocation.StatusWaitingForMatch}, func(r *allocation.Request) error {
		r.Status = allocation.StatusAccepted
		return nil
	})
	assert.ErrorIs(t, err, allocation.ErrInvalidState, "accepted is not a main status")

	_, err = b.UpdateRequest(ctx, "m1", []allocation.Status{allocation.StatusWaitingForMatch}, func(r *allocation.Request) error {
		r.Kind = allocation.KindStock
		return nil
	})
	assert.Error(t, err, "kind is immutable")

	got, err := b.GetRequest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusWaitingForMatch, got.Status)
	assert.Equal(t, allocation.KindMain, got.Kind)

	_, err = b.UpdateRequest(ctx, "missing", nil, func(*allocation.Request) error { return nil })
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}

func testUpdateFamily(t *testing.T, b Backend) {
	ctx := context.Background()
	m := mainRequest("m1", "r1", blood.APos, 2, t0)
	require.NoError(t, b.InsertMain(ctx, m))
	_, err := b.InsertChild(ctx, stockChild("c1", m, 1, t0))
	require.NoError(t, err)
	_, err = b.UpdateRequest(ctx, "c1", []allocation.Status{allocation.StatusPending}, func(r *allocation.Request) error {
		r.Status = allocation.StatusRejected
		return nil
	})
	require.NoError(t, err)

	var seen []allocation.Request
	main, err := b.UpdateFamily(ctx, "m1", func(main *allocation.Request, children []allocation.Request) error {
		seen = children
		main.Status = allocation.Aggregate(children)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, allocation.StatusRejected, seen[0].Status)
	assert.Equal(t, allocation.StatusRejected, main.Status)

	_, err = b.UpdateFamily(ctx, "c1", func(*allocation.Request, []allocation.Request) error { return nil })
	assert.ErrorIs(t, err, allocation.ErrNotFound, "children are not families")
}

func testConcurrentAdjustStock(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveStockEntry(ctx, allocation.StockEntry{ID: "s-o", BloodGroup: blood.ONeg, Units: 4, LastUpdated: t0}))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.AdjustStock(ctx, blood.ONeg, -1, t0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, allocation.ErrInsufficientInventory)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, ok)
	e, err := b.GetStockEntry(ctx, "s-o")
	require.NoError(t, err)
	assert.Equal(t, 0, e.Units)
}

func testConcurrentDonorAssignment(t *testing.T, b Backend) {
	ctx := context.Background()
	var mains []allocation.Request
	for _, id := range []allocation.RequestID{"m1", "m2", "m3", "m4"} {
		m := mainRequest(id, allocation.RequesterID("r-"+id), blood.APos, 1, t0)
		require.NoError(t, b.InsertMain(ctx, m))
		mains = append(mains, m)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i, m := range mains {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := donorChild(allocation.RequestID("c"+string(rune('1'+i))), m, "d-shared", t0)
			if _, err := b.InsertChild(ctx, child); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, allocation.ErrDonorUnavailable)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
}

func testReset(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveRequester(ctx, allocation.Requester{ID: "r1"}))
	require.NoError(t, b.InsertMain(ctx, mainRequest("m1", "r1", blood.APos, 1, t0)))

	require.NoError(t, b.Reset(ctx))

	_, err := b.GetRequester(ctx, "r1")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
	_, err = b.GetRequest(ctx, "m1")
	assert.ErrorIs(t, err, allocation.ErrNotFound)
}
