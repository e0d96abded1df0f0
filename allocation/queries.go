package allocation

import (
	"context"

	"github.com/warp/bloodbank/blood"
)

// ListCompatibleStock lists stock entries with units that can supply the
// requester's latest open Main. Empty when the requester has none.
func (s *Service) ListCompatibleStock(ctx context.Context, actor Actor) (_ []StockEntry, err error) {
	ctx, done := s.begin(ctx, "ListCompatibleStock", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	main, err := s.latestOpenMain(ctx, RequesterID(actor.ID))
	if IsNotFound(err) {
		return []StockEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListStock(ctx, blood.Compatible(main.BloodGroup))
	if err != nil {
		return nil, err
	}
	out := make([]StockEntry, 0, len(entries))
	for _, e := range entries {
		if e.Units > 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListCompatibleDonors lists donors who can supply the requester's latest
// open Main, are out of cooldown and hold no outstanding request. Donors in
// the Main's city come first.
func (s *Service) ListCompatibleDonors(ctx context.Context, actor Actor) (_ []Donor, err error) {
	ctx, done := s.begin(ctx, "ListCompatibleDonors", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	main, err := s.latestOpenMain(ctx, RequesterID(actor.ID))
	if IsNotFound(err) {
		return []Donor{}, nil
	}
	if err != nil {
		return nil, err
	}
	donors, err := s.store.ListDonors(ctx, blood.Compatible(main.BloodGroup))
	if err != nil {
		return nil, err
	}
	outstanding, err := s.store.ListRequests(ctx, RequestFilter{
		Kind:     KindDonor,
		Statuses: []Status{StatusPending, StatusAccepted},
	})
	if err != nil {
		return nil, err
	}
	busy := make(map[DonorID]bool, len(outstanding))
	for _, r := range outstanding {
		busy[r.DonorID] = true
	}

	now := s.now()
	local := make([]Donor, 0, len(donors))
	var elsewhere []Donor
	for _, d := range donors {
		if busy[d.ID] || !s.eligibility.IsEligible(d, now) {
			continue
		}
		if sameCity(d.City, main.City) {
			local = append(local, d)
		} else {
			elsewhere = append(elsewhere, d)
		}
	}
	return append(local, elsewhere...), nil
}

// NearbyRequests lists open Main requests in the donor's city that the
// donor's group can supply.
func (s *Service) NearbyRequests(ctx context.Context, actor Actor) (_ []Request, err error) {
	ctx, done := s.begin(ctx, "NearbyRequests", actor)
	defer done(&err)

	if err := requireRole(actor, RoleDonor); err != nil {
		return nil, err
	}
	donor, err := s.store.GetDonor(ctx, DonorID(actor.ID))
	if err != nil {
		return nil, err
	}
	mains, err := s.store.ListRequests(ctx, RequestFilter{
		Kind:     KindMain,
		Statuses: []Status{StatusWaitingForMatch, StatusMatched},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0)
	for _, m := range mains {
		if sameCity(m.City, donor.City) && blood.CanSupply(donor.BloodGroup, m.BloodGroup) {
			out = append(out, m)
		}
	}
	return out, nil
}

// AssignedRequests lists the donor's Pending and Accepted requests.
func (s *Service) AssignedRequests(ctx context.Context, actor Actor) (_ []Request, err error) {
	ctx, done := s.begin(ctx, "AssignedRequests", actor)
	defer done(&err)

	if err := requireRole(actor, RoleDonor); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, RequestFilter{
		Kind:     KindDonor,
		DonorID:  DonorID(actor.ID),
		Statuses: []Status{StatusPending, StatusAccepted},
	})
}

// DonationHistory lists the donor's Accepted and Closed requests.
func (s *Service) DonationHistory(ctx context.Context, actor Actor) (_ []Request, err error) {
	ctx, done := s.begin(ctx, "DonationHistory", actor)
	defer done(&err)

	if err := requireRole(actor, RoleDonor); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, RequestFilter{
		Kind:     KindDonor,
		DonorID:  DonorID(actor.ID),
		Statuses: []Status{StatusAccepted, StatusClosed},
	})
}

// RequesterHistory lists every request, Main and child, of the requester.
func (s *Service) RequesterHistory(ctx context.Context, actor Actor) (_ []Request, err error) {
	ctx, done := s.begin(ctx, "RequesterHistory", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, RequestFilter{RequesterID: RequesterID(actor.ID)})
}

// PendingStockReviews lists stock requests awaiting an admin decision.
func (s *Service) PendingStockReviews(ctx context.Context, actor Actor) (_ []Request, err error) {
	ctx, done := s.begin(ctx, "PendingStockReviews", actor)
	defer done(&err)

	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, RequestFilter{
		Kind:     KindStock,
		Statuses: []Status{StatusPending},
	})
}

// GetSummary returns a request with its children and allocation figures.
// Admins see everything; requesters their own requests; donors the
// requests assigned to them.
func (s *Service) GetSummary(ctx context.Context, actor Actor, id RequestID) (_ *Summary, err error) {
	ctx, done := s.begin(ctx, "GetSummary", actor)
	defer done(&err)

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == RoleAdmin:
	case actor.Role == RoleRequester && string(req.RequesterID) == actor.ID:
	case actor.Role == RoleDonor && req.Kind == KindDonor && string(req.DonorID) == actor.ID:
	default:
		return nil, forbidden("request %s is not visible to %s %s", id, actor.Role, actor.ID)
	}

	var children []Request
	if req.Kind == KindMain {
		if children, err = s.store.ListRequests(ctx, RequestFilter{ParentID: req.ID}); err != nil {
			return nil, err
		}
	}
	summary := Summarize(*req, children)
	return &summary, nil
}
