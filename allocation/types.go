/*
Package allocation is the matching-and-allocation engine for blood
requirements.

PURPOSE:
  A requester records a requirement (the Main request). It is fulfilled by
  child requests sourced either from the inventory ledger (StockFulfillment)
  or from a specific volunteer donor (DonorFulfillment). The engine owns
  every state transition of those requests together with the three
  counters that guard them: stock units, donor cooldowns and requester
  strikes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind / Status / TransitState: closed enums with per-kind legality
  - Request: Main or child request record
  - Requester, Donor, StockEntry: records owned by external collaborators
    but mutated here through named policy operations only
  - Actor: authenticated caller identity and role

LIFECYCLE:

  Main:        WaitingForMatch ──▶ Matched ──▶ Rejected | Closed
  Fulfillment: Pending ──▶ Accepted ──▶ Closed (sweeper)
                  └──────▶ Rejected

SEE ALSO:
  - service.go: the lifecycle engine
  - aggregate.go: parent status from child outcomes
  - store.go: persistence contract
*/
package allocation

import (
	"fmt"
	"time"

	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RequestID string
type RequesterID string
type DonorID string
type StockEntryID string

// =============================================================================
// KIND
// =============================================================================

// Kind tags a Request as the requirement itself or one fulfillment attempt.
type Kind string

const (
	KindMain  Kind = "main"
	KindStock Kind = "stock"
	KindDonor Kind = "donor"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMain, KindStock, KindDonor:
		return true
	}
	return false
}

// IsChild reports whether the kind is a fulfillment attempt.
func (k Kind) IsChild() bool { return k == KindStock || k == KindDonor }

// Allows reports whether status is legal for a request of this kind.
func (k Kind) Allows(s Status) bool {
	switch k {
	case KindMain:
		return s == StatusWaitingForMatch || s == StatusMatched || s == StatusRejected || s == StatusClosed
	case KindStock, KindDonor:
		return s == StatusPending || s == StatusAccepted || s == StatusRejected || s == StatusClosed
	}
	return false
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusWaitingForMatch Status = "waiting_for_match"
	StatusMatched         Status = "matched"
	StatusPending         Status = "pending"
	StatusAccepted        Status = "accepted"
	StatusRejected        Status = "rejected"
	StatusClosed          Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaitingForMatch, StatusMatched, StatusPending, StatusAccepted, StatusRejected, StatusClosed:
		return true
	}
	return false
}

// Terminal statuses are never left again.
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusClosed }

// Outstanding is true for a child that still holds capacity on its parent
// (and, for donor children, holds the donor).
func (s Status) Outstanding() bool { return s == StatusPending || s == StatusAccepted }

// ParseStatus converts a stored value back to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown request status %q", v)
	}
	return s, nil
}

// ParseKind converts a stored value back to a Kind.
func ParseKind(v string) (Kind, error) {
	k := Kind(v)
	if !k.Valid() {
		return "", fmt.Errorf("unknown request kind %q", v)
	}
	return k, nil
}

// TransitState tracks physical delivery of an accepted child.
type TransitState string

const (
	InTransit TransitState = "in_transit"
	Arrived   TransitState = "arrived"
)

// =============================================================================
// RECORDS
// =============================================================================

// Contact is a name/phone snapshot captured at donor acceptance.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Request is a Main requirement or one of its fulfillment children.
type Request struct {
	ID           RequestID
	Kind         Kind
	RequesterID  RequesterID
	DonorID      DonorID      // DonorFulfillment only
	StockEntryID StockEntryID // StockFulfillment only
	ParentID     RequestID    // empty for Main

	BloodGroup blood.Group // recipient group for Main, source group for children
	Units      int
	City       string
	Hospital   string
	PatientRef string
	Contact    string

	RequiredDate time.Time
	ArrivalDate  *time.Time

	Status       Status
	TransitState TransitState

	DonorContact     *Contact
	RequesterContact *Contact

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Requester owns Main requests. CancelCount and BannedUntil are mutated
// only by StrikePolicy.
type Requester struct {
	ID          RequesterID
	Name        string
	Phone       string
	City        string
	CancelCount int
	BannedUntil *time.Time
}

// Donor fulfills DonorFulfillment requests. The donation dates are mutated
// only by EligibilityTracker.
type Donor struct {
	ID               DonorID
	Name             string
	Phone            string
	BloodGroup       blood.Group
	City             string
	LastDonationDate *time.Time
	NextEligibleDate *time.Time
}

// StockEntry is the unit balance for one blood group.
type StockEntry struct {
	ID          StockEntryID
	BloodGroup  blood.Group
	Units       int
	LastUpdated time.Time
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleRequester Role = "requester"
	RoleDonor     Role = "donor"
	RoleAdmin     Role = "admin"

	// RoleSystem is for in-process jobs. Valid rejects it, so no token can
	// carry it.
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	return r == RoleRequester || r == RoleDonor || r == RoleAdmin
}

// Actor is the caller identity, already authenticated by the transport.
type Actor struct {
	ID   string
	Role Role
}

func RequesterActor(id RequesterID) Actor { return Actor{ID: string(id), Role: RoleRequester} }
func DonorActor(id DonorID) Actor         { return Actor{ID: string(id), Role: RoleDonor} }
func AdminActor(id string) Actor          { return Actor{ID: id, Role: RoleAdmin} }
func SystemActor(id string) Actor        { return Actor{ID: id, Role: RoleSystem} }

func timePtr(t time.Time) *time.Time { return &t }
