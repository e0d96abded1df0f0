/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Domain records never go on the wire
  directly; conversion happens here so the engine can evolve freely.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

PRIVACY:
  Donor phone numbers appear only in the contact snapshot of an accepted
  request, never in listings.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// CreateMainRequest is the body of POST /api/requests.
type CreateMainRequest struct {
	BloodGroup   string `json:"blood_group"`
	Units        int    `json:"units"`
	City         string `json:"city"`
	Hospital     string `json:"hospital"`
	PatientRef   string `json:"patient_ref"`
	Contact      string `json:"contact"`
	RequiredDate string `json:"required_date"` // YYYY-MM-DD or RFC3339
}

func (r CreateMainRequest) input() (allocation.MainRequestInput, error) {
	group := blood.Group(r.BloodGroup)
	if g, err := blood.Parse(r.BloodGroup); err == nil {
		group = g
	}
	in := allocation.MainRequestInput{
		BloodGroup: group,
		Units:      r.Units,
		City:       r.City,
		Hospital:   r.Hospital,
		PatientRef: r.PatientRef,
		Contact:    r.Contact,
	}
	if r.RequiredDate != "" {
		t, err := parseDate(r.RequiredDate)
		if err != nil {
			return in, &allocation.ValidationError{Field: "required_date", Message: err.Error()}
		}
		in.RequiredDate = t
	}
	return in, nil
}

// CreateStockFulfillmentRequest is the body of POST /api/requests/stock.
type CreateStockFulfillmentRequest struct {
	StockEntryID string `json:"stock_entry_id"`
	Units        int    `json:"units"`
}

// CreateDonorFulfillmentRequest is the body of POST /api/requests/donor.
type CreateDonorFulfillmentRequest struct {
	DonorID string `json:"donor_id"`
}

// SweepRequest is the optional body of POST /api/admin/sweep.
type SweepRequest struct {
	Now string `json:"now,omitempty"`
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", v)
	}
	return t.UTC(), nil
}

// =============================================================================
// RESPONSES
// =============================================================================

type ContactDTO struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// RequestDTO is a Main or child request.
type RequestDTO struct {
	ID               string      `json:"id"`
	Kind             string      `json:"kind"`
	RequesterID      string      `json:"requester_id"`
	DonorID          string      `json:"donor_id,omitempty"`
	StockEntryID     string      `json:"stock_entry_id,omitempty"`
	ParentID         string      `json:"parent_id,omitempty"`
	BloodGroup       string      `json:"blood_group"`
	Units            int         `json:"units"`
	City             string      `json:"city"`
	Hospital         string      `json:"hospital,omitempty"`
	PatientRef       string      `json:"patient_ref,omitempty"`
	Contact          string      `json:"contact,omitempty"`
	RequiredDate     time.Time   `json:"required_date"`
	ArrivalDate      *time.Time  `json:"arrival_date,omitempty"`
	Status           string      `json:"status"`
	TransitState     string      `json:"transit_state,omitempty"`
	DonorContact     *ContactDTO `json:"donor_contact,omitempty"`
	RequesterContact *ContactDTO `json:"requester_contact,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// SummaryDTO is a request with its allocation figures.
type SummaryDTO struct {
	Request   RequestDTO   `json:"request"`
	Children  []RequestDTO `json:"children"`
	Allocated int          `json:"allocated"`
	Remaining int          `json:"remaining"`
	Fill      string       `json:"fill"`
}

type StockEntryDTO struct {
	ID          string    `json:"id"`
	BloodGroup  string    `json:"blood_group"`
	Units       int       `json:"units"`
	LastUpdated time.Time `json:"last_updated"`
}

type DonorDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BloodGroup string `json:"blood_group"`
	City       string `json:"city"`
}

type RequesterDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CancelCount int        `json:"cancel_count"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

// CancelResultDTO is the response to a cancellation.
type CancelResultDTO struct {
	Request     RequestDTO `json:"request"`
	CancelCount int        `json:"cancel_count"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

type SweepResultDTO struct {
	Closed int `json:"closed"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toContactDTO(c *allocation.Contact) *ContactDTO {
	if c == nil {
		return nil
	}
	return &ContactDTO{Name: c.Name, Phone: c.Phone}
}

func toRequestDTO(r allocation.Request) RequestDTO {
	return RequestDTO{
		ID:               string(r.ID),
		Kind:             string(r.Kind),
		RequesterID:      string(r.RequesterID),
		DonorID:          string(r.DonorID),
		StockEntryID:     string(r.StockEntryID),
		ParentID:         string(r.ParentID),
		BloodGroup:       string(r.BloodGroup),
		Units:            r.Units,
		City:             r.City,
		Hospital:         r.Hospital,
		PatientRef:       r.PatientRef,
		Contact:          r.Contact,
		RequiredDate:     r.RequiredDate,
		ArrivalDate:      r.ArrivalDate,
		Status:           string(r.Status),
		TransitState:     string(r.TransitState),
		DonorContact:     toContactDTO(r.DonorContact),
		RequesterContact: toContactDTO(r.RequesterContact),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toRequestDTOs(rs []allocation.Request) []RequestDTO {
	out := make([]RequestDTO, len(rs))
	for i, r := range rs {
		out[i] = toRequestDTO(r)
	}
	return out
}

func toSummaryDTO(s allocation.Summary) SummaryDTO {
	return SummaryDTO{
		Request:   toRequestDTO(s.Request),
		Children:  toRequestDTOs(s.Children),
		Allocated: s.Allocated,
		Remaining: s.Remaining,
		Fill:      s.Fill.String(),
	}
}

func toStockEntryDTOs(es []allocation.StockEntry) []StockEntryDTO {
	out := make([]StockEntryDTO, len(es))
	for i, e := range es {
		out[i] = StockEntryDTO{
			ID:          string(e.ID),
			BloodGroup:  string(e.BloodGroup),
			Units:       e.Units,
			LastUpdated: e.LastUpdated,
		}
	}
	return out
}

func toDonorDTOs(ds []allocation.Donor) []DonorDTO {
	out := make([]DonorDTO, len(ds))
	for i, d := range ds {
		out[i] = DonorDTO{ID: string(d.ID), Name: d.Name, BloodGroup: string(d.BloodGroup), City: d.City}
	}
	return out
}
