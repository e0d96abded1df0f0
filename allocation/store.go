/*
store.go - Persistence contract for the allocation engine

PURPOSE:
  Defines the interface between the lifecycle engine and the record store.
  The engine assumes a document/record store with per-record atomic
  read-modify-write and range queries by field equality; nothing more.

KEY INTERFACES:
  Store:     everything the engine reads and mutates
  Directory: write side owned by external collaborators (registration,
             inventory management); used by seeding and tests

ATOMICITY:
  - Update*(id, fn): fn runs against the current record and its result is
    written as one linearizable step. If fn returns an error nothing is
    written and the error is returned unchanged.
  - UpdateRequest additionally takes the statuses the record must be in
    (optimistic guard). A record that has moved returns *StateError.
  - AdjustStock is a conditional increment: it fails clean with
    *InsufficientInventoryError instead of going negative.
  - InsertChild is a check-and-create over the Main request's family:
    parent open, capacity not exceeded, donor not already outstanding.
  - UpdateFamily serialises with InsertChild on the same parent, so an
    aggregation always sees every committed child.

IMPLEMENTATIONS:
  - allocation/store/memory.go: in-memory, mutex guarded
  - store/sqlstore: SQLite and PostgreSQL through database/sql

SEE ALSO:
  - service.go: the only caller of the mutating methods
*/
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	GetRequester(ctx context.Context, id RequesterID) (*Requester, error)
	UpdateRequester(ctx context.Context, id RequesterID, fn func(*Requester) error) (*Requester, error)

	GetDonor(ctx context.Context, id DonorID) (*Donor, error)
	// ListDonors returns donors whose group is in groups, ordered by ID.
	ListDonors(ctx context.Context, groups []blood.Group) ([]Donor, error)
	UpdateDonor(ctx context.Context, id DonorID, fn func(*Donor) error) (*Donor, error)

	GetStockEntry(ctx context.Context, id StockEntryID) (*StockEntry, error)
	// ListStock returns entries whose group is in groups, in group order.
	ListStock(ctx context.Context, groups []blood.Group) ([]StockEntry, error)
	// AdjustStock adds delta to the entry of group and stamps it with at.
	AdjustStock(ctx context.Context, group blood.Group, delta int, at time.Time) (*StockEntry, error)

	GetRequest(ctx context.Context, id RequestID) (*Request, error)
	// ListRequests returns matches newest first.
	ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error)
	InsertMain(ctx context.Context, r Request) error
	// InsertChild stores r and moves its parent to Matched. Returns the parent.
	InsertChild(ctx context.Context, r Request) (*Request, error)
	UpdateRequest(ctx context.Context, id RequestID, from []Status, fn func(*Request) error) (*Request, error)
	UpdateFamily(ctx context.Context, parentID RequestID, fn func(main *Request, children []Request) error) (*Request, error)
}

// RequestFilter selects requests by field equality. Zero fields match all.
type RequestFilter struct {
	Kind        Kind
	RequesterID RequesterID
	DonorID     DonorID
	ParentID    RequestID
	Statuses    []Status
}

// Match applies the filter in memory.
func (f RequestFilter) Match(r Request) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.DonorID != "" && r.DonorID != f.DonorID {
		return false
	}
	if f.ParentID != "" && r.ParentID != f.ParentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Directory is the record-management side the engine does not own.
type Directory interface {
	SaveRequester(ctx context.Context, r Requester) error
	SaveDonor(ctx context.Context, d Donor) error
	SaveStockEntry(ctx context.Context, e StockEntry) error
	// Reset removes every record. Development only.
	Reset(ctx context.Context) error
}

// =============================================================================
// SHARED STORE RULES
// =============================================================================
// Both store implementations apply these so the rules live in one place.

// CheckRequest rejects records that break the tagged-variant shape.
func CheckRequest(r Request) error {
	if !r.Kind.Valid() {
		return invalid("kind", "unknown kind %q", r.Kind)
	}
	if !r.Kind.Allows(r.Status) {
		return fmt.Errorf("%w: status %s is not legal for a %s request", ErrInvalidState, r.Status, r.Kind)
	}
	if r.Units < 1 {
		return invalid("units", "must be at least 1, got %d", r.Units)
	}
	switch r.Kind {
	case KindMain:
		if r.ParentID != "" || r.DonorID != "" || r.StockEntryID != "" {
			return invalid("kind", "main request cannot reference a parent, donor or stock entry")
		}
	case KindStock:
		if r.ParentID == "" || r.StockEntryID == "" || r.DonorID != "" {
			return invalid("kind", "stock fulfillment needs a parent and a stock entry only")
		}
	case KindDonor:
		if r.ParentID == "" || r.DonorID == "" || r.StockEntryID != "" {
			return invalid("kind", "donor fulfillment needs a parent and a donor only")
		}
	}
	return nil
}

// CheckStatus returns a StateError unless current is one of from.
func CheckStatus(op string, r Request, from []Status) error {
	for _, s := range from {
		if r.Status == s {
			return nil
		}
	}
	return &StateError{ID: r.ID, Actual: r.Status, Expected: from, Op: op}
}

// Committed returns the units of children that count against the parent:
// everything not rejected.
func Committed(children []Request) int {
	total := 0
	for _, c := range children {
		if c.Status != StatusRejected {
			total += c.Units
		}
	}
	return total
}

// CheckChildAdmission validates a new child against its parent, the
// parent's current children and, for donor children, the donor's other
// outstanding assignments. It moves parent to Matched on success.
func CheckChildAdmission(parent *Request, children []Request, donorBusy bool, child Request) error {
	if parent.Kind != KindMain {
		return NotFound("main request", parent.ID)
	}
	if err := CheckStatus("create fulfillment", *parent, []Status{StatusWaitingForMatch, StatusMatched}); err != nil {
		return err
	}
	if !blood.CanSupply(child.BloodGroup, parent.BloodGroup) {
		return invalid("blood_group", "%s cannot supply %s", child.BloodGroup, parent.BloodGroup)
	}
	remaining := parent.Units - Committed(children)
	if child.Units > remaining {
		return &CapacityError{ParentID: parent.ID, Remaining: remaining, Requested: child.Units}
	}
	if child.Kind == KindDonor && donorBusy {
		return &DonorUnavailableError{DonorID: child.DonorID, Reason: "already assigned to an outstanding request"}
	}
	parent.Status = StatusMatched
	parent.UpdatedAt = child.CreatedAt
	return nil
}
