package allocation_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/allocation/store"
	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	svc   *allocation.Service

	mu     sync.Mutex
	now    time.Time
	events []allocation.Event
}

func newFixture(t *testing.T, tweaks ...func(*allocation.Policy)) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: store.NewMemory(), now: t0}

	policy := allocation.DefaultPolicy()
	for _, tweak := range tweaks {
		tweak(&policy)
	}

	var seq atomic.Int64
	svc, err := allocation.NewService(f.store, policy,
		allocation.WithClock(f.clock),
		allocation.WithIDGenerator(func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) }),
		allocation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		allocation.WithPublisher(allocation.PublisherFunc(func(_ context.Context, e allocation.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
			return nil
		})),
	)
	require.NoError(t, err)
	f.svc = svc
	f.seed()
	return f
}

// serviceOver builds a second service on st that shares the fixture clock.
func (f *fixture) serviceOver(st allocation.Store) *allocation.Service {
	f.t.Helper()
	svc, err := allocation.NewService(st, allocation.DefaultPolicy(),
		allocation.WithClock(f.clock),
		allocation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(f.t, err)
	return svc
}

// interleavedStore runs beforeDonorUpdate once, just before the next donor
// update reaches the memory store.
type interleavedStore struct {
	*store.Memory
	beforeDonorUpdate func()
}

func (s *interleavedStore) UpdateDonor(ctx context.Context, id allocation.DonorID, fn func(*allocation.Donor) error) (*allocation.Donor, error) {
	if hook := s.beforeDonorUpdate; hook != nil {
		s.beforeDonorUpdate = nil
		hook()
	}
	return s.Memory.UpdateDonor(ctx, id, fn)
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) seed() {
	for _, r := range []allocation.Requester{
		{ID: "r1", Name: "Asha Kulkarni", Phone: "+91-9000000001", City: "Pune"},
		{ID: "r2", Name: "Ravi Menon", Phone: "+91-9000000002", City: "Pune"},
		{ID: "r3", Name: "Meera Iyer", Phone: "+91-9000000003", City: "Mumbai"},
	} {
		require.NoError(f.t, f.store.SaveRequester(f.ctx, r))
	}
	for _, d := range []allocation.Donor{
		{ID: "d-apos-mumbai", Name: "Kiran", Phone: "+91-8000000001", BloodGroup: blood.APos, City: "Mumbai"},
		{ID: "d-apos-pune", Name: "Sana", Phone: "+91-8000000002", BloodGroup: blood.APos, City: "Pune"},
		{ID: "d-bpos-pune", Name: "Vikram", Phone: "+91-8000000003", BloodGroup: blood.BPos, City: "Pune"},
		{ID: "d-oneg-pune", Name: "Leela", Phone: "+91-8000000004", BloodGroup: blood.ONeg, City: "pune "},
		{ID: "d-opos-mumbai", Name: "Arjun", Phone: "+91-8000000005", BloodGroup: blood.OPos, City: "Mumbai"},
	} {
		require.NoError(f.t, f.store.SaveDonor(f.ctx, d))
	}
	for _, e := range []allocation.StockEntry{
		{ID: "stock-o-neg", BloodGroup: blood.ONeg, Units: 5, LastUpdated: t0},
		{ID: "stock-a-pos", BloodGroup: blood.APos, Units: 5, LastUpdated: t0},
		{ID: "stock-b-pos", BloodGroup: blood.BPos, Units: 4, LastUpdated: t0},
		{ID: "stock-ab-neg", BloodGroup: blood.ABNeg, Units: 0, LastUpdated: t0},
	} {
		require.NoError(f.t, f.store.SaveStockEntry(f.ctx, e))
	}
}

func requester(id allocation.RequesterID) allocation.Actor { return allocation.RequesterActor(id) }
func donor(id allocation.DonorID) allocation.Actor         { return allocation.DonorActor(id) }

var (
	admin   = allocation.AdminActor("admin-1")
	sweeper = allocation.SystemActor("sweeper")
)

func (f *fixture) createMain(who allocation.RequesterID, group blood.Group, units int) *allocation.Request {
	f.t.Helper()
	r, err := f.svc.CreateMainRequest(f.ctx, requester(who), allocation.MainRequestInput{
		BloodGroup:   group,
		Units:        units,
		City:         "Pune",
		Hospital:     "Ruby Hall Clinic",
		PatientRef:   "PT-" + string(who),
		Contact:      "ward 4",
		RequiredDate: f.clock().Add(2 * day),
	})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) stockChild(who allocation.RequesterID, stockID allocation.StockEntryID, units int) *allocation.Request {
	f.t.Helper()
	r, err := f.svc.CreateStockFulfillment(f.ctx, requester(who), stockID, units)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) donorChild(who allocation.RequesterID, donorID allocation.DonorID) *allocation.Request {
	f.t.Helper()
	r, err := f.svc.CreateDonorFulfillment(f.ctx, requester(who), donorID)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) request(id allocation.RequestID) allocation.Request {
	f.t.Helper()
	r, err := f.store.GetRequest(f.ctx, id)
	require.NoError(f.t, err)
	return *r
}

func (f *fixture) status(id allocation.RequestID) allocation.Status {
	f.t.Helper()
	return f.request(id).Status
}

func (f *fixture) units(id allocation.StockEntryID) int {
	f.t.Helper()
	e, err := f.store.GetStockEntry(f.ctx, id)
	require.NoError(f.t, err)
	return e.Units
}

func (f *fixture) requesterRecord(id allocation.RequesterID) allocation.Requester {
	f.t.Helper()
	r, err := f.store.GetRequester(f.ctx, id)
	require.NoError(f.t, err)
	return *r
}

func (f *fixture) donorRecord(id allocation.DonorID) allocation.Donor {
	f.t.Helper()
	d, err := f.store.GetDonor(f.ctx, id)
	require.NoError(f.t, err)
	return *d
}

func (f *fixture) eventTypes() []allocation.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]allocation.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func ids(rs []allocation.Request) []allocation.RequestID {
	out := make([]allocation.RequestID, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
