/*
service.go - Request lifecycle engine

PURPOSE:
  Service is the single entry point for every state change of Main and
  fulfillment requests. It validates the actor, applies the guards and
  coordinates the three counters (stock units, donor cooldown, requester
  strikes) so that each operation either takes full effect or none.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  Requester     Pick source        Create child        Source     │
  │  creates  ──▶  (stock / donor) ──▶ (Pending)    ──▶   decides    │
  │  Main          or a donor                                        │
  │                volunteers                                        │
  │                                      │                           │
  │                                      ▼                           │
  │                               ┌──────────┐    arrival            │
  │                               │ Accepted │──▶ date   ──▶ Closed  │
  │                               └──────────┘    (sweeper or donor) │
  │                               ┌──────────┐                       │
  │                               │ Rejected │──▶ stock credited     │
  │                               └──────────┘    (stock children)   │
  │                                                                  │
  │  Any child turning terminal re-aggregates its Main.              │
  └──────────────────────────────────────────────────────────────────┘

COUPLED EFFECTS:
  stock child created   debit first, then insert; insert failure credits back
  donor child accepted  eligibility check, CAS to Accepted, then record
                        donation; failure reverts unless the child moved on
  stock child rejected  CAS to Rejected, then credit
  child cancelled       CAS to Rejected, credit if stock, count strike

EXAMPLE:
  svc, _ := allocation.NewService(store, allocation.DefaultPolicy())
  main, _ := svc.CreateMainRequest(ctx, allocation.RequesterActor("r1"), input)
  child, _ := svc.CreateStockFulfillment(ctx, allocation.RequesterActor("r1"), "stock-o-neg", 1)
  _, _ = svc.AdminAccept(ctx, allocation.AdminActor("admin"), child.ID)

SEE ALSO:
  - transitions.go: accept, reject, cancel, ban
  - queries.go: listings for each role
  - sweeper.go: arrival sweep
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/warp/bloodbank/blood"
	"github.com/warp/bloodbank/metrics"
)

var tracer = otel.Tracer("github.com/warp/bloodbank/allocation")

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store       Store
	policy      Policy
	ledger      *InventoryLedger
	eligibility *EligibilityTracker
	strikes     *StrikePolicy
	publisher   Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source. Tests use it to move through cooldowns and bans.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIDGenerator sets the request/event ID source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(store Store, policy Policy, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("allocation: nil store")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("allocation: %w", err)
	}
	s := &Service{
		store:     store,
		policy:    policy,
		publisher: nopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = NewInventoryLedger(store, s.now, s.metrics)
	s.eligibility = NewEligibilityTracker(store, policy.CooldownPeriod)
	s.strikes = NewStrikePolicy(store, policy, s.now)
	return s, nil
}

func (s *Service) Policy() Policy                   { return s.policy }
func (s *Service) Ledger() *InventoryLedger         { return s.ledger }
func (s *Service) Eligibility() *EligibilityTracker { return s.eligibility }
func (s *Service) Strikes() *StrikePolicy           { return s.strikes }

// =============================================================================
// MAIN REQUESTS
// =============================================================================

// MainRequestInput is what a requester submits for a new requirement.
type MainRequestInput struct {
	BloodGroup   blood.Group
	Units        int
	City         string
	Hospital     string
	PatientRef   string
	Contact      string
	RequiredDate time.Time
}

func (in MainRequestInput) validate() error {
	if !in.BloodGroup.Valid() {
		return invalid("blood_group", "unknown blood group %q", in.BloodGroup)
	}
	if in.Units < 1 {
		return invalid("units", "must be at least 1, got %d", in.Units)
	}
	if strings.TrimSpace(in.City) == "" {
		return invalid("city", "required")
	}
	if in.RequiredDate.IsZero() {
		return invalid("required_date", "required")
	}
	return nil
}

// CreateMainRequest records a new requirement in WaitingForMatch.
// A banned requester is refused.
func (s *Service) CreateMainRequest(ctx context.Context, actor Actor, in MainRequestInput) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "CreateMainRequest", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	requester, err := s.store.GetRequester(ctx, RequesterID(actor.ID))
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.strikes.AssertNotBanned(*requester, now); err != nil {
		return nil, err
	}

	r := Request{
		ID:           RequestID(s.newID()),
		Kind:         KindMain,
		RequesterID:  requester.ID,
		BloodGroup:   in.BloodGroup,
		Units:        in.Units,
		City:         strings.TrimSpace(in.City),
		Hospital:     strings.TrimSpace(in.Hospital),
		PatientRef:   in.PatientRef,
		Contact:      in.Contact,
		RequiredDate: in.RequiredDate,
		Status:       StatusWaitingForMatch,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertMain(ctx, r); err != nil {
		return nil, err
	}

	s.metrics.IncTransition(string(r.Kind), string(r.Status))
	s.logger.InfoContext(ctx, "main request created",
		"request_id", r.ID, "requester_id", r.RequesterID, "blood_group", r.BloodGroup, "units", r.Units)
	s.publish(ctx, requestEvent(EventMainCreated, r, now))
	return &r, nil
}

// latestOpenMain is the requester's most recently created non-terminal Main.
func (s *Service) latestOpenMain(ctx context.Context, id RequesterID) (*Request, error) {
	mains, err := s.store.ListRequests(ctx, RequestFilter{
		Kind:        KindMain,
		RequesterID: id,
		Statuses:    []Status{StatusWaitingForMatch, StatusMatched},
	})
	if err != nil {
		return nil, err
	}
	if len(mains) == 0 {
		return nil, NotFound("open main request for requester", id)
	}
	return &mains[0], nil
}

// =============================================================================
// FULFILLMENT CREATION
// =============================================================================

// CreateStockFulfillment reserves units from a stock entry against the
// requester's latest open Main. The stock is debited before the child is
// stored; if storing fails the units are credited back.
func (s *Service) CreateStockFulfillment(ctx context.Context, actor Actor, stockID StockEntryID, units int) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "CreateStockFulfillment", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	if units < 1 {
		return nil, invalid("units", "must be at least 1, got %d", units)
	}
	main, err := s.latestOpenMain(ctx, RequesterID(actor.ID))
	if err != nil {
		return nil, err
	}
	entry, err := s.store.GetStockEntry(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if !blood.CanSupply(entry.BloodGroup, main.BloodGroup) {
		return nil, invalid("stock_entry_id", "%s stock cannot supply a %s requirement", entry.BloodGroup, main.BloodGroup)
	}
	if err := s.checkRemaining(ctx, main, units); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Debit(ctx, entry.BloodGroup, units); err != nil {
		return nil, err
	}
	now := s.now()
	child := s.newChild(*main, KindStock, entry.BloodGroup, units, now)
	child.StockEntryID = entry.ID
	if _, err := s.store.InsertChild(ctx, child); err != nil {
		if cerr := s.restock(ctx, entry.BloodGroup, units); cerr != nil {
			s.logger.ErrorContext(ctx, "stock rollback failed after child insert failure",
				"blood_group", entry.BloodGroup, "units", units, "error", cerr)
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}

	s.childCreated(ctx, child, now)
	return &child, nil
}

// CreateDonorFulfillment assigns one unit of the requester's latest open
// Main to a compatible, eligible and idle donor.
func (s *Service) CreateDonorFulfillment(ctx context.Context, actor Actor, donorID DonorID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "CreateDonorFulfillment", actor)
	defer done(&err)

	if err := requireRole(actor, RoleRequester); err != nil {
		return nil, err
	}
	main, err := s.latestOpenMain(ctx, RequesterID(actor.ID))
	if err != nil {
		return nil, err
	}
	donor, err := s.store.GetDonor(ctx, donorID)
	if err != nil {
		return nil, err
	}
	if !blood.CanSupply(donor.BloodGroup, main.BloodGroup) {
		return nil, invalid("donor_id", "%s donor cannot supply a %s requirement", donor.BloodGroup, main.BloodGroup)
	}
	now := s.now()
	if err := s.eligibility.CheckAvailable(ctx, *donor, now); err != nil {
		return nil, err
	}
	if err := s.checkRemaining(ctx, main, 1); err != nil {
		return nil, err
	}

	child := s.newChild(*main, KindDonor, donor.BloodGroup, 1, now)
	child.DonorID = donor.ID
	if _, err := s.store.InsertChild(ctx, child); err != nil {
		return nil, err
	}

	s.childCreated(ctx, child, now)
	return &child, nil
}

// Volunteer lets a donor offer one unit to an open Main request. The donor
// request starts Pending, the same as one the requester created, and the
// donor confirms it with DonorAccept.
func (s *Service) Volunteer(ctx context.Context, actor Actor, mainID RequestID) (_ *Request, err error) {
	ctx, done := s.begin(ctx, "Volunteer", actor)
	defer done(&err)

	if err := requireRole(actor, RoleDonor); err != nil {
		return nil, err
	}
	main, err := s.store.GetRequest(ctx, mainID)
	if err != nil {
		return nil, err
	}
	if main.Kind != KindMain {
		return nil, NotFound("main request", mainID)
	}
	donor, err := s.store.GetDonor(ctx, DonorID(actor.ID))
	if err != nil {
		return nil, err
	}
	if !blood.CanSupply(donor.BloodGroup, main.BloodGroup) {
		return nil, invalid("request_id", "%s donor cannot supply a %s requirement", donor.BloodGroup, main.BloodGroup)
	}
	now := s.now()
	if err := s.eligibility.CheckAvailable(ctx, *donor, now); err != nil {
		return nil, err
	}
	if err := s.checkRemaining(ctx, main, 1); err != nil {
		return nil, err
	}

	child := s.newChild(*main, KindDonor, donor.BloodGroup, 1, now)
	child.DonorID = donor.ID
	if _, err := s.store.InsertChild(ctx, child); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "donor volunteered", "donor_id", donor.ID, "main_id", main.ID)
	s.childCreated(ctx, child, now)
	return &child, nil
}

// checkRemaining is the early capacity check. The store repeats it
// atomically at insert time.
func (s *Service) checkRemaining(ctx context.Context, main *Request, units int) error {
	children, err := s.store.ListRequests(ctx, RequestFilter{ParentID: main.ID})
	if err != nil {
		return err
	}
	if remaining := main.Units - Committed(children); units > remaining {
		return &CapacityError{ParentID: main.ID, Remaining: remaining, Requested: units}
	}
	return nil
}

func (s *Service) newChild(main Request, kind Kind, group blood.Group, units int, now time.Time) Request {
	return Request{
		ID:           RequestID(s.newID()),
		Kind:         kind,
		RequesterID:  main.RequesterID,
		ParentID:     main.ID,
		BloodGroup:   group,
		Units:        units,
		City:         main.City,
		Hospital:     main.Hospital,
		PatientRef:   main.PatientRef,
		Contact:      main.Contact,
		RequiredDate: main.RequiredDate,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Service) childCreated(ctx context.Context, child Request, now time.Time) {
	s.metrics.IncTransition(string(child.Kind), string(child.Status))
	s.logger.InfoContext(ctx, "fulfillment created",
		"request_id", child.ID, "parent_id", child.ParentID, "kind", child.Kind,
		"blood_group", child.BloodGroup, "units", child.Units, "donor_id", child.DonorID)
	s.publish(ctx, requestEvent(EventChildCreated, child, now))
}

// =============================================================================
// HELPERS
// =============================================================================

// restock credits units back, retrying once.
func (s *Service) restock(ctx context.Context, group blood.Group, units int) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err = s.ledger.Credit(ctx, group, units); err == nil {
			return nil
		}
		s.logger.WarnContext(ctx, "stock credit failed",
			"blood_group", group, "units", units, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("credit %d units of %s: %w", units, group, err)
}

// aggregate recomputes the Main status inside the store's family update.
func (s *Service) aggregate(ctx context.Context, parentID RequestID) (*Request, error) {
	now := s.now()
	var before Status
	main, err := s.store.UpdateFamily(ctx, parentID, func(main *Request, children []Request) error {
		if main.Status.Terminal() {
			return &StateError{
				ID:       main.ID,
				Actual:   main.Status,
				Expected: []Status{StatusWaitingForMatch, StatusMatched},
				Op:       "aggregate",
			}
		}
		before = main.Status
		main.Status = Aggregate(children)
		if main.Status != before {
			main.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if main.Status != before {
		s.metrics.IncTransition(string(main.Kind), string(main.Status))
		s.logger.InfoContext(ctx, "main request aggregated",
			"request_id", main.ID, "from", before, "to", main.Status)
		if main.Status.Terminal() {
			s.publish(ctx, requestEvent(EventMainResolved, *main, now))
		}
	}
	return main, nil
}

func (s *Service) publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = s.newID()
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			"type", e.Type, "request_id", e.RequestID, "error", err)
	}
}

// begin opens a span and returns its closer. Call as `defer done(&err)`.
func (s *Service) begin(ctx context.Context, op string, actor Actor) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "allocation."+op)
	span.SetAttributes(
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	)
	start := time.Now()
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, string(KindOf(*errp)))
		}
		span.End()
		s.metrics.ObserveOperation(op, time.Since(start))
	}
}

func requireRole(a Actor, role Role) error {
	return requireAnyRole(a, role)
}

func requireAnyRole(a Actor, roles ...Role) error {
	if !slices.Contains(roles, a.Role) {
		return forbidden("operation requires role %v, caller is %q", roles, a.Role)
	}
	if a.ID == "" {
		return forbidden("caller has no identity")
	}
	return nil
}

func sameCity(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
