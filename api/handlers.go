/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes allocation.Service over REST. Handlers decode the body, take the
  actor from the context (see auth.go), call exactly one engine operation
  and encode the result. No allocation rule lives here.

ENDPOINTS:
  Requester:
    POST   /api/requests                 Create a Main request
    GET    /api/requests/mine            Own requests, newest first
    GET    /api/requests/{id}            Request + allocation summary
    POST   /api/requests/{id}/cancel     Cancel (may add a strike)
    GET    /api/compatible/stock         Compatible stock for the latest Main
    GET    /api/compatible/donors        Eligible donors for the latest Main
    POST   /api/requests/stock           Create a stock fulfillment
    POST   /api/requests/donor           Create a donor fulfillment

  Donor:
    GET    /api/donor/nearby             Open requirements in the donor's city
    GET    /api/donor/assigned           Pending/accepted assignments
    GET    /api/donor/history            Donations
    POST   /api/donor/requests/{id}/volunteer  Offer a unit to an open Main
    POST   /api/donor/requests/{id}/accept
    POST   /api/donor/requests/{id}/reject
    POST   /api/donor/requests/{id}/close      Confirm the donation arrived

  Admin:
    GET    /api/admin/requests/pending   Stock fulfillments awaiting review
    POST   /api/admin/requests/{id}/accept
    POST   /api/admin/requests/{id}/reject
    POST   /api/admin/requesters/{id}/ban
    POST   /api/admin/sweep              Run the arrival sweeper now

ERROR HANDLING:
  Engine errors map by kind (allocation.KindOf):
  - 400: validation
  - 403: forbidden, banned
  - 404: not found
  - 409: invalid state, insufficient inventory, donor unavailable
  - 500: anything else; details are logged, not returned

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/bloodbank/allocation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc    *allocation.Service
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(svc *allocation.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger, now: time.Now}
}

// =============================================================================
// REQUESTER
// =============================================================================

// CreateMainRequest handles POST /api/requests.
func (h *Handler) CreateMainRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateMainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	main, err := h.svc.CreateMainRequest(r.Context(), ActorFrom(r.Context()), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*main))
}

// ListMyRequests handles GET /api/requests/mine.
func (h *Handler) ListMyRequests(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.RequesterHistory(r.Context(), ActorFrom(r.Context()))
	h.writeList(w, r, rs, err)
}

// GetRequest handles GET /api/requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetSummary(r.Context(), ActorFrom(r.Context()), requestID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*s))
}

// CancelRequest handles POST /api/requests/{id}/cancel.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), ActorFrom(r.Context()), requestID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResultDTO{
		Request:     toRequestDTO(res.Request),
		CancelCount: res.CancelCount,
		BannedUntil: res.BannedUntil,
	})
}

// ListCompatibleStock handles GET /api/compatible/stock.
func (h *Handler) ListCompatibleStock(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListCompatibleStock(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockEntryDTOs(entries))
}

// ListCompatibleDonors handles GET /api/compatible/donors.
func (h *Handler) ListCompatibleDonors(w http.ResponseWriter, r *http.Request) {
	donors, err := h.svc.ListCompatibleDonors(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDonorDTOs(donors))
}

// CreateStockFulfillment handles POST /api/requests/stock.
func (h *Handler) CreateStockFulfillment(w http.ResponseWriter, r *http.Request) {
	var req CreateStockFulfillmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	child, err := h.svc.CreateStockFulfillment(r.Context(), ActorFrom(r.Context()),
		allocation.StockEntryID(req.StockEntryID), req.Units)
	h.writeCreated(w, r, child, err)
}

// CreateDonorFulfillment handles POST /api/requests/donor.
func (h *Handler) CreateDonorFulfillment(w http.ResponseWriter, r *http.Request) {
	var req CreateDonorFulfillmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	child, err := h.svc.CreateDonorFulfillment(r.Context(), ActorFrom(r.Context()), allocation.DonorID(req.DonorID))
	h.writeCreated(w, r, child, err)
}

// =============================================================================
// DONOR
// =============================================================================

// NearbyRequests handles GET /api/donor/nearby.
func (h *Handler) NearbyRequests(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.NearbyRequests(r.Context(), ActorFrom(r.Context()))
	h.writeList(w, r, rs, err)
}

// AssignedRequests handles GET /api/donor/assigned.
func (h *Handler) AssignedRequests(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.AssignedRequests(r.Context(), ActorFrom(r.Context()))
	h.writeList(w, r, rs, err)
}

// DonationHistory handles GET /api/donor/history.
func (h *Handler) DonationHistory(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.DonationHistory(r.Context(), ActorFrom(r.Context()))
	h.writeList(w, r, rs, err)
}

// DonorAccept handles POST /api/donor/requests/{id}/accept.
func (h *Handler) DonorAccept(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.DonorAccept(r.Context(), ActorFrom(r.Context()), requestID(r))
	h.writeOne(w, r, req, err)
}

// DonorReject handles POST /api/donor/requests/{id}/reject.
func (h *Handler) DonorReject(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.DonorReject(r.Context(), ActorFrom(r.Context()), requestID(r))
	h.writeOne(w, r, req, err)
}

// Volunteer handles POST /api/donor/requests/{id}/volunteer, where id is
// the Main request.
func (h *Handler) Volunteer(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Volunteer(r.Context(), ActorFrom(r.Context()), requestID(r))
	h.writeCreated(w, r, req, err)
}

// DonorClose handles POST /api/donor/requests/{id}/close.
func (h *Handler) DonorClose(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.DonorClose(r.Context(), ActorFrom(r.Context()), requestID(r))
	h.writeOne(w, r, req, err)
}

// =============================================================================
// ADMIN
// =============================================================================

// PendingStockReviews handles GET /api/admin/requests/pending.
func (h *Handler) PendingStockReviews(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.PendingStockReviews(r.Context(), ActorFrom(r.Context()))
	h.writeList(w, r, rs, err)
}

// AdminAccept handles POST /api/admin/requests/{id}/accept.
func (h *Handler) AdminAccept(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.AdminAccept(r.Context(), ActorFrom(r.Context()), requestID(r))
	h.writeOne(w, r, req, err)
}

// AdminReject handles POST /api/admin/requests/{id}/reject.
func (h *Handler) AdminReject(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.AdminReject(r.Context(), ActorFrom(r.Context()), requestID(r))
	h.writeOne(w, r, req, err)
}

// BanRequester handles POST /api/admin/requesters/{id}/ban.
func (h *Handler) BanRequester(w http.ResponseWriter, r *http.Request) {
	id := allocation.RequesterID(chi.URLParam(r, "id"))
	req, err := h.svc.ManualBan(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RequesterDTO{
		ID:          string(req.ID),
		Name:        req.Name,
		CancelCount: req.CancelCount,
		BannedUntil: req.BannedUntil,
	})
}

// TriggerSweep handles POST /api/admin/sweep. The body may carry "now"
// to sweep as of another instant (demo time travel).
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	now := h.now()
	if req.Now != "" {
		t, err := parseDate(req.Now)
		if err != nil {
			h.writeDomainError(w, r, &allocation.ValidationError{Field: "now", Message: err.Error()})
			return
		}
		now = t
	}
	n, err := h.svc.SweepArrivals(r.Context(), ActorFrom(r.Context()), now)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{Closed: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func requestID(r *http.Request) allocation.RequestID {
	return allocation.RequestID(chi.URLParam(r, "id"))
}

func (h *Handler) writeList(w http.ResponseWriter, r *http.Request, rs []allocation.Request, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(rs))
}

func (h *Handler) writeOne(w http.ResponseWriter, r *http.Request, req *allocation.Request, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) writeCreated(w http.ResponseWriter, r *http.Request, req *allocation.Request, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*req))
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind allocation.ErrorKind) int {
	switch kind {
	case allocation.KindValidation:
		return http.StatusBadRequest
	case allocation.KindForbidden, allocation.KindBanned:
		return http.StatusForbidden
	case allocation.KindNotFound:
		return http.StatusNotFound
	case allocation.KindInvalidState, allocation.KindInsufficientInventory, allocation.KindDonorUnavailable:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := allocation.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Kind: string(kind)})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil && !errors.Is(err, errUnauthorized) {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
