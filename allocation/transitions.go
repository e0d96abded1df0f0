package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// DONOR DECISIONS
// =============================================================================

// DonorAccept moves the donor's Pending request to Accepted, snapshots both
// contacts, sets the arrival date and records the donation. A donor still
// cooling down is refused before the request moves. If the donation cannot
// be recorded the request goes back to Pending, unless something else
// already moved it out of Accepted.
func (s *Service) DonorAccept(ctx context.Context, actor Actor, id RequestID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "DonorAccept", actor)
	defer done(&err)

	req, err := s.donorOwned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	donor, err := s.store.GetDonor(ctx, req.DonorID)
	if err != nil {
		return nil, err
	}
	requester, err := s.store.GetRequester(ctx, req.RequesterID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !s.eligibility.IsEligible(*donor, now) {
		return nil, fmt.Errorf("%w: donor %s is cooling down until %s",
			ErrInvalidState, donor.ID, donor.NextEligibleDate.Format(time.DateOnly))
	}
	accepted, err := s.store.UpdateRequest(ctx, id, []Status{StatusPending}, func(r *Request) error {
		r.Status = StatusAccepted
		r.TransitState = InTransit
		r.ArrivalDate = timePtr(r.RequiredDate)
		r.DonorContact = &Contact{Name: donor.Name, Phone: donor.Phone}
		r.RequesterContact = &Contact{Name: requester.Name, Phone: requester.Phone}
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.eligibility.RecordDonation(ctx, donor.ID, now); err != nil {
		_, rerr := s.store.UpdateRequest(ctx, id, []Status{StatusAccepted}, func(r *Request) error {
			r.Status = StatusPending
			r.TransitState = ""
			r.ArrivalDate = nil
			r.DonorContact = nil
			r.RequesterContact = nil
			r.UpdatedAt = now
			return nil
		})
		if errors.Is(rerr, ErrInvalidState) {
			s.logger.WarnContext(ctx, "donor acceptance not reverted, request already moved on",
				"request_id", id, "donor_id", donor.ID, "error", err)
			return nil, err
		}
		if rerr != nil {
			s.logger.ErrorContext(ctx, "revert of donor acceptance failed",
				"request_id", id, "donor_id", donor.ID, "error", rerr)
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	s.transitioned(ctx, EventAccepted, *accepted, now)
	return accepted, nil
}

// DonorReject declines a Pending donor request and re-aggregates its Main.
func (s *Service) DonorReject(ctx context.Context, actor Actor, id RequestID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "DonorReject", actor)
	defer done(&err)

	if _, err := s.donorOwned(ctx, actor, id); err != nil {
		return nil, err
	}
	now := s.now()
	rejected, err := s.store.UpdateRequest(ctx, id, []Status{StatusPending}, func(r *Request) error {
		r.Status = StatusRejected
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, EventRejected, *rejected, now)

	if _, err := s.aggregate(ctx, rejected.ParentID); err != nil {
		return nil, err
	}
	return rejected, nil
}

// DonorClose lets the assigned donor confirm an Accepted donation arrived,
// without waiting for the arrival sweep. The donation was recorded on
// acceptance, so only the request and its Main change.
func (s *Service) DonorClose(ctx context.Context, actor Actor, id RequestID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "DonorClose", actor)
	defer done(&err)

	if _, err := s.donorOwned(ctx, actor, id); err != nil {
		return nil, err
	}
	now := s.now()
	closed, err := s.store.UpdateRequest(ctx, id, []Status{StatusAccepted}, func(r *Request) error {
		r.Status = StatusClosed
		r.TransitState = Arrived
		r.ArrivalDate = timePtr(now)
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, EventClosed, *closed, now)

	if _, err := s.aggregate(ctx, closed.ParentID); err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *Service) donorOwned(ctx context.Context, actor Actor, id RequestID) (*Request, error) {
	if err := requireRole(actor, RoleDonor); err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Kind != KindDonor || string(req.DonorID) != actor.ID {
		return nil, forbidden("request %s is not assigned to donor %s", id, actor.ID)
	}
	return req, nil
}

// =============================================================================
// ADMIN DECISIONS
// =============================================================================

// AdminAccept approves a Pending stock request. The units stay debited.
func (s *Service) AdminAccept(ctx context.Context, actor Actor, id RequestID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "AdminAccept", actor)
	defer done(&err)

	if _, err := s.stockReview(ctx, actor, id); err != nil {
		return nil, err
	}
	now := s.now()
	accepted, err := s.store.UpdateRequest(ctx, id, []Status{StatusPending}, func(r *Request) error {
		r.Status = StatusAccepted
		r.TransitState = InTransit
		r.ArrivalDate = timePtr(r.RequiredDate)
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, EventAccepted, *accepted, now)
	return accepted, nil
}

// AdminReject declines a Pending stock request and returns its units to stock.
func (s *Service) AdminReject(ctx context.Context, actor Actor, id RequestID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "AdminReject", actor)
	defer done(&err)

	if _, err := s.stockReview(ctx, actor, id); err != nil {
		return nil, err
	}
	now := s.now()
	rejected, err := s.store.UpdateRequest(ctx, id, []Status{StatusPending}, func(r *Request) error {
		r.Status = StatusRejected
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.restock(ctx, rejected.BloodGroup, rejected.Units); err != nil {
		s.logger.ErrorContext(ctx, "units of rejected stock request not returned",
			"request_id", id, "blood_group", rejected.BloodGroup, "units", rejected.Units, "error", err)
		return nil, err
	}
	s.transitioned(ctx, EventRejected, *rejected, now)

	if _, err := s.aggregate(ctx, rejected.ParentID); err != nil {
		return nil, err
	}
	return rejected, nil
}

func (s *Service) stockReview(ctx context.Context, actor Actor, id RequestID) (*Request, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Kind != KindStock {
		return nil, invalid("request_id", "request %s is a %s request, only stock requests are reviewed", id, req.Kind)
	}
	return req, nil
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelResult reports the requester's strike state after a cancellation.
type CancelResult struct {
	Request     Request
	CancelCount int
	BannedUntil *time.Time
}

// Cancel withdraws a request the requester owns. Children can be cancelled
// while Pending or Accepted and count as a strike; a Main can be cancelled
// only while WaitingForMatch and does not. Stock children return their
// units. An active ban blocks cancellation when the policy says so.
func (s *Service) Cancel(ctx context.Context, actor Actor, id RequestID) (_ *CancelResult, err error) {
	ctx, done := s.begin(ctx, "Cancel", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if string(req.RequesterID) != actor.ID {
		return nil, forbidden("request %s does not belong to requester %s", id, actor.ID)
	}
	requester, err := s.store.GetRequester(ctx, req.RequesterID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if s.policy.BanBlocksCancel {
		if err := s.strikes.AssertNotBanned(*requester, now); err != nil {
			return nil, err
		}
	}

	from := []Status{StatusPending, StatusAccepted}
	if req.Kind == KindMain {
		from = []Status{StatusWaitingForMatch}
	}
	var previous Status
	cancelled, err := s.store.UpdateRequest(ctx, id, from, func(r *Request) error {
		previous = r.Status
		r.Status = StatusRejected
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled.Kind == KindStock {
		if err := s.restock(ctx, cancelled.BloodGroup, cancelled.Units); err != nil {
			s.logger.ErrorContext(ctx, "units of cancelled stock request not returned",
				"request_id", id, "blood_group", cancelled.BloodGroup, "units", cancelled.Units, "error", err)
			return nil, err
		}
	}

	strike, err := s.strikes.RecordCancellation(ctx, cancelled.RequesterID, previous)
	if err != nil {
		return nil, err
	}
	if previous.Outstanding() {
		s.metrics.IncStrike(strike.Banned)
	}
	s.transitioned(ctx, EventCancelled, *cancelled, now)
	if strike.Banned {
		s.logger.WarnContext(ctx, "requester banned after repeated cancellations",
			"requester_id", cancelled.RequesterID, "banned_until", strike.BannedUntil)
		s.publish(ctx, Event{
			Type:        EventRequesterBanned,
			OccurredAt:  now,
			RequesterID: cancelled.RequesterID,
			BannedUntil: strike.BannedUntil,
		})
	}

	if cancelled.Kind.IsChild() {
		if _, err := s.aggregate(ctx, cancelled.ParentID); err != nil {
			return nil, err
		}
	}
	return &CancelResult{Request: *cancelled, CancelCount: strike.CancelCount, BannedUntil: strike.BannedUntil}, nil
}

// ManualBan suspends a requester for the configured ban duration.
func (s *Service) ManualBan(ctx context.Context, actor Actor, id RequesterID) (_ *Requester, err error) {
	ctx, done := s.begin(ctx, "ManualBan", actor)
	defer done(&err)

	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	r, err := s.strikes.ManualBan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.WarnContext(ctx, "requester banned by admin",
		"requester_id", id, "admin_id", actor.ID, "banned_until", r.BannedUntil)
	s.publish(ctx, Event{
		Type:        EventRequesterBanned,
		OccurredAt:  s.now(),
		RequesterID: id,
		BannedUntil: r.BannedUntil,
	})
	return r, nil
}

func (s *Service) transitioned(ctx context.Context, t EventType, r Request, now time.Time) {
	s.metrics.IncTransition(string(r.Kind), string(r.Status))
	s.logger.InfoContext(ctx, "request transitioned",
		"request_id", r.ID, "kind", r.Kind, "status", r.Status, "event", t)
	s.publish(ctx, requestEvent(t, r, now))
}
