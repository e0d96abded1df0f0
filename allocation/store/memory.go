// Package store provides the in-memory allocation.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps behind one mutex. Each method is one
// critical section, which gives the per-record and per-family atomicity
// the engine relies on.
type Memory struct {
	mu         sync.RWMutex
	requesters map[allocation.RequesterID]allocation.Requester
	donors     map[allocation.DonorID]allocation.Donor
	stock      map[allocation.StockEntryID]allocation.StockEntry
	requests   map[allocation.RequestID]allocation.Request
	// insertion order, breaks CreatedAt ties
	seq  map[allocation.RequestID]int
	next int
}

var (
	_ allocation.Store     = (*Memory)(nil)
	_ allocation.Directory = (*Memory)(nil)
)

func NewMemory() *Memory {
	m := &Memory{}
	m.init()
	return m
}

func (m *Memory) init() {
	m.requesters = make(map[allocation.RequesterID]allocation.Requester)
	m.donors = make(map[allocation.DonorID]allocation.Donor)
	m.stock = make(map[allocation.StockEntryID]allocation.StockEntry)
	m.requests = make(map[allocation.RequestID]allocation.Request)
	m.seq = make(map[allocation.RequestID]int)
	m.next = 0
}

// =============================================================================
// REQUESTERS
// =============================================================================

func (m *Memory) GetRequester(_ context.Context, id allocation.RequesterID) (*allocation.Requester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requesters[id]
	if !ok {
		return nil, allocation.NotFound("requester", id)
	}
	return &r, nil
}

func (m *Memory) UpdateRequester(_ context.Context, id allocation.RequesterID, fn func(*allocation.Requester) error) (*allocation.Requester, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requesters[id]
	if !ok {
		return nil, allocation.NotFound("requester", id)
	}
	if err := fn(&r); err != nil {
		return nil, err
	}
	m.requesters[id] = r
	return &r, nil
}

func (m *Memory) SaveRequester(_ context.Context, r allocation.Requester) error {
	if r.ID == "" {
		return fmt.Errorf("%w: requester id required", allocation.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requesters[r.ID] = r
	return nil
}

// =============================================================================
// DONORS
// =============================================================================

func (m *Memory) GetDonor(_ context.Context, id allocation.DonorID) (*allocation.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, allocation.NotFound("donor", id)
	}
	return &d, nil
}

func (m *Memory) ListDonors(_ context.Context, groups []blood.Group) ([]allocation.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := groupSet(groups)
	result := make([]allocation.Donor, 0)
	for _, d := range m.donors {
		if want[d.BloodGroup] {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) UpdateDonor(_ context.Context, id allocation.DonorID, fn func(*allocation.Donor) error) (*allocation.Donor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, allocation.NotFound("donor", id)
	}
	if err := fn(&d); err != nil {
		return nil, err
	}
	m.donors[id] = d
	return &d, nil
}

func (m *Memory) SaveDonor(_ context.Context, d allocation.Donor) error {
	if d.ID == "" {
		return fmt.Errorf("%w: donor id required", allocation.ErrValidation)
	}
	if !d.BloodGroup.Valid() {
		return fmt.Errorf("%w: donor %s has unknown blood group %q", allocation.ErrValidation, d.ID, d.BloodGroup)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors[d.ID] = d
	return nil
}

// =============================================================================
// STOCK
// =============================================================================

func (m *Memory) GetStockEntry(_ context.Context, id allocation.StockEntryID) (*allocation.StockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stock[id]
	if !ok {
		return nil, allocation.NotFound("stock entry", id)
	}
	return &e, nil
}

func (m *Memory) ListStock(_ context.Context, groups []blood.Group) ([]allocation.StockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]allocation.StockEntry, 0, len(groups))
	for _, g := range groups {
		if e, ok := m.stockByGroupLocked(g); ok {
			result = append(result, e)
		}
	}
	return result, nil
}

// AdjustStock is a conditional increment under the write lock.
func (m *Memory) AdjustStock(_ context.Context, group blood.Group, delta int, at time.Time) (*allocation.StockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.stockByGroupLocked(group)
	if !ok {
		return nil, allocation.NotFound("stock entry for group", group)
	}
	if e.Units+delta < 0 {
		return nil, &allocation.InsufficientInventoryError{BloodGroup: group, Available: e.Units, Requested: -delta}
	}
	e.Units += delta
	e.LastUpdated = at
	m.stock[e.ID] = e
	return &e, nil
}

func (m *Memory) SaveStockEntry(_ context.Context, e allocation.StockEntry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: stock entry id required", allocation.ErrValidation)
	}
	if !e.BloodGroup.Valid() {
		return fmt.Errorf("%w: stock entry %s has unknown blood group %q", allocation.ErrValidation, e.ID, e.BloodGroup)
	}
	if e.Units < 0 {
		return fmt.Errorf("%w: stock entry %s has negative units", allocation.ErrValidation, e.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.stockByGroupLocked(e.BloodGroup); ok && existing.ID != e.ID {
		return fmt.Errorf("%w: group %s already tracked by stock entry %s", allocation.ErrValidation, e.BloodGroup, existing.ID)
	}
	m.stock[e.ID] = e
	return nil
}

func (m *Memory) stockByGroupLocked(g blood.Group) (allocation.StockEntry, bool) {
	for _, e := range m.stock {
		if e.BloodGroup == g {
			return e, true
		}
	}
	return allocation.StockEntry{}, false
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) GetRequest(_ context.Context, id allocation.RequestID) (*allocation.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, allocation.NotFound("request", id)
	}
	return &r, nil
}

func (m *Memory) ListRequests(_ context.Context, filter allocation.RequestFilter) ([]allocation.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(filter), nil
}

func (m *Memory) listLocked(filter allocation.RequestFilter) []allocation.Request {
	result := make([]allocation.Request, 0)
	for _, r := range m.requests {
		if filter.Match(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return m.seq[a.ID] > m.seq[b.ID]
	})
	return result
}

func (m *Memory) InsertMain(_ context.Context, r allocation.Request) error {
	if r.Kind != allocation.KindMain {
		return fmt.Errorf("%w: InsertMain called with a %s request", allocation.ErrValidation, r.Kind)
	}
	if err := allocation.CheckRequest(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(r)
}

// InsertChild runs the admission check and the insert in one critical section.
func (m *Memory) InsertChild(_ context.Context, r allocation.Request) (*allocation.Request, error) {
	if !r.Kind.IsChild() {
		return nil, fmt.Errorf("%w: InsertChild called with a %s request", allocation.ErrValidation, r.Kind)
	}
	if err := allocation.CheckRequest(r); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.requests[r.ParentID]
	if !ok {
		return nil, allocation.NotFound("main request", r.ParentID)
	}
	children := m.listLocked(allocation.RequestFilter{ParentID: parent.ID})
	donorBusy := false
	if r.Kind == allocation.KindDonor {
		donorBusy = len(m.listLocked(allocation.RequestFilter{
			Kind:     allocation.KindDonor,
			DonorID:  r.DonorID,
			Statuses: []allocation.Status{allocation.StatusPending, allocation.StatusAccepted},
		})) > 0
	}
	if err := allocation.CheckChildAdmission(&parent, children, donorBusy, r); err != nil {
		return nil, err
	}
	if err := m.insertLocked(r); err != nil {
		return nil, err
	}
	m.requests[parent.ID] = parent
	return &parent, nil
}

func (m *Memory) insertLocked(r allocation.Request) error {
	if _, exists := m.requests[r.ID]; exists {
		return fmt.Errorf("%w: request %s already exists", allocation.ErrValidation, r.ID)
	}
	m.requests[r.ID] = r
	m.next++
	m.seq[r.ID] = m.next
	return nil
}

// UpdateRequest applies fn if the record is in one of the from statuses.
func (m *Memory) UpdateRequest(_ context.Context, id allocation.RequestID, from []allocation.Status, fn func(*allocation.Request) error) (*allocation.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, allocation.NotFound("request", id)
	}
	if err := allocation.CheckStatus("update", r, from); err != nil {
		return nil, err
	}
	if err := m.applyLocked(&r, fn); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateFamily hands fn the Main request and a snapshot of its children.
func (m *Memory) UpdateFamily(_ context.Context, parentID allocation.RequestID, fn func(*allocation.Request, []allocation.Request) error) (*allocation.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	main, ok := m.requests[parentID]
	if !ok || main.Kind != allocation.KindMain {
		return nil, allocation.NotFound("main request", parentID)
	}
	children := m.listLocked(allocation.RequestFilter{ParentID: parentID})
	err := m.applyLocked(&main, func(r *allocation.Request) error { return fn(r, children) })
	if err != nil {
		return nil, err
	}
	return &main, nil
}

// applyLocked runs fn on a copy and writes it back if the result is well formed.
func (m *Memory) applyLocked(r *allocation.Request, fn func(*allocation.Request) error) error {
	id, kind, parent := r.ID, r.Kind, r.ParentID
	if err := fn(r); err != nil {
		return err
	}
	if r.ID != id || r.Kind != kind || r.ParentID != parent {
		return fmt.Errorf("%w: request identity fields are immutable", allocation.ErrValidation)
	}
	if err := allocation.CheckRequest(*r); err != nil {
		return err
	}
	m.requests[id] = *r
	return nil
}

// =============================================================================
// DEVELOPMENT
// =============================================================================

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return nil
}

func groupSet(groups []blood.Group) map[blood.Group]bool {
	set := make(map[blood.Group]bool, len(groups))
	for _, g := range groups {
		set[g] = true
	}
	return set
}
