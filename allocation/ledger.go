/*
ledger.go - Inventory ledger over per-group stock entries

PURPOSE:
  The ledger is the only writer of StockEntry.Units. A debit reserves
  units for a StockFulfillment request at creation time; a credit gives
  them back when that request is rejected or cancelled.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: units >= 0 for every entry, at all times
  2. ATOMIC: a debit is one conditional decrement, never read-then-write
     from the caller's side, so two requesters cannot both take the last unit
  3. CREDIT ONLY ROLLS BACK: credits are only issued for a prior
     successful debit; no upper bound is enforced

EXAMPLE FLOW:
  O- stock = 5
  debit(O-, 1)  -> 4   (child A created)
  debit(O-, 1)  -> 3   (child B created)
  credit(O-, 1) -> 4   (child A rejected by admin)

SEE ALSO:
  - store.go: AdjustStock contract
  - service.go: debit + create coupling and its compensating credit
*/
package allocation

import (
	"context"
	"time"

	"github.com/warp/bloodbank/blood"
	"github.com/warp/bloodbank/metrics"
)

// InventoryLedger debits and credits stock entries.
type InventoryLedger struct {
	store   Store
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewInventoryLedger(store Store, now func() time.Time, m *metrics.Metrics) *InventoryLedger {
	if now == nil {
		now = time.Now
	}
	return &InventoryLedger{store: store, now: now, metrics: m}
}

// Debit removes units from the group's stock and returns the new balance.
// Fails with *InsufficientInventoryError when units exceed the balance.
func (l *InventoryLedger) Debit(ctx context.Context, group blood.Group, units int) (int, error) {
	if err := checkMovement(group, units); err != nil {
		return 0, err
	}
	entry, err := l.store.AdjustStock(ctx, group, -units, l.now())
	if err != nil {
		l.metrics.IncStockRefused(group.String())
		return 0, err
	}
	l.metrics.AddStockMovement(group.String(), "debit", units)
	l.metrics.SetStockUnits(group.String(), entry.Units)
	return entry.Units, nil
}

// Credit returns units to the group's stock. Always valid for an existing entry.
func (l *InventoryLedger) Credit(ctx context.Context, group blood.Group, units int) (int, error) {
	if err := checkMovement(group, units); err != nil {
		return 0, err
	}
	entry, err := l.store.AdjustStock(ctx, group, units, l.now())
	if err != nil {
		return 0, err
	}
	l.metrics.AddStockMovement(group.String(), "credit", units)
	l.metrics.SetStockUnits(group.String(), entry.Units)
	return entry.Units, nil
}

func checkMovement(group blood.Group, units int) error {
	if !group.Valid() {
		return invalid("blood_group", "unknown blood group %q", group)
	}
	if units < 1 {
		return invalid("units", "must be at least 1, got %d", units)
	}
	return nil
}
