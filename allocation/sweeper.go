package allocation

import (
	"context"
	"errors"
	"time"
)

// SweepArrivals closes every Accepted request whose arrival date is at or
// before now, then re-aggregates the parents. A request another caller moved
// in the meantime is skipped. Returns the number of requests closed.
//
// Only admins and system jobs may sweep. Running it twice at the same now
// closes nothing the second time.
func (s *Service) SweepArrivals(ctx context.Context, actor Actor, now time.Time) (_ int, err error) {
	ctx, done := s.begin(ctx, "SweepArrivals", actor)
	defer done(&err)

	if err := requireAnyRole(actor, RoleAdmin, RoleSystem); err != nil {
		return 0, err
	}

	start := time.Now()
	accepted, err := s.store.ListRequests(ctx, RequestFilter{Statuses: []Status{StatusAccepted}})
	if err != nil {
		return 0, err
	}

	var (
		closed int
		errs   []error
	)
	for _, r := range accepted {
		if r.ArrivalDate == nil || r.ArrivalDate.After(now) {
			continue
		}
		updated, err := s.store.UpdateRequest(ctx, r.ID, []Status{StatusAccepted}, func(rec *Request) error {
			rec.Status = StatusClosed
			rec.TransitState = Arrived
			rec.UpdatedAt = now
			return nil
		})
		if errors.Is(err, ErrInvalidState) {
			s.logger.DebugContext(ctx, "sweep skipped request that already moved", "request_id", r.ID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
		s.transitioned(ctx, EventClosed, *updated, now)

		if _, err := s.aggregate(ctx, updated.ParentID); err != nil && !errors.Is(err, ErrInvalidState) {
			errs = append(errs, err)
		}
	}

	s.metrics.ObserveSweep(closed, time.Since(start))
	if closed > 0 {
		s.logger.InfoContext(ctx, "arrival sweep closed requests", "closed", closed)
	}
	return closed, errors.Join(errs...)
}
