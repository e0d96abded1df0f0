/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Pre-built data sets that reset the database and seed requesters, donors
  and stock, so the API can be explored without an admin console. Loading
  a scenario also returns a bearer token for every seeded user.

AVAILABLE SCENARIOS:
  city-bank:        Balanced stock and donors across Pune and Mumbai
  o-neg-shortage:   No O- stock; O- recipients must find donors
  cooldown:         Donors who gave 10 and 60 days ago
  repeat-canceller: A requester one cancellation away from a ban

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "o-neg-shortage"}

NOTE:
  Scenarios reset the database. The routes are only mounted when
  BLOODBANK_SCENARIOS_ENABLED is set.

SEE ALSO:
  - server.go: mounts the routes
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/blood"
)

const day = 24 * time.Hour

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse lists the seeded users with a token each.
type LoadScenarioResponse struct {
	Scenario ScenarioDTO       `json:"scenario"`
	Tokens   map[string]string `json:"tokens"` // "role:id" -> bearer token
}

// seed is the data a scenario writes.
type seed struct {
	requesters []allocation.Requester
	donors     []allocation.Donor
	stock      []allocation.StockEntry
}

type scenario struct {
	ScenarioDTO
	build func(now time.Time) seed
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "city-bank",
			Name:        "City Blood Bank",
			Description: "Stock for every group and eligible donors in Pune and Mumbai",
		},
		build: func(now time.Time) seed {
			s := baseSeed(now)
			s.stock = fullStock(now, 6)
			return s
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "o-neg-shortage",
			Name:        "O- Shortage",
			Description: "No O- units in stock; O- recipients depend on donors",
		},
		build: func(now time.Time) seed {
			s := baseSeed(now)
			s.stock = fullStock(now, 4)
			for i := range s.stock {
				if s.stock[i].BloodGroup == blood.ONeg {
					s.stock[i].Units = 0
				}
			}
			return s
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cooldown",
			Name:        "Donor Cooldown",
			Description: "One A+ donor gave 60 days ago (eligible), another 10 days ago (cooling down)",
		},
		build: func(now time.Time) seed {
			s := baseSeed(now)
			s.stock = fullStock(now, 0)
			s.donors = append(s.donors,
				donated("donor-meera", "Meera Joshi", blood.APos, "Pune", now.Add(-60*day), 56*day),
				donated("donor-kabir", "Kabir Shah", blood.APos, "Pune", now.Add(-10*day), 56*day),
			)
			return s
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "repeat-canceller",
			Name:        "Repeat Canceller",
			Description: "requester-ravi already has two cancellations; a third triggers a ban",
		},
		build: func(now time.Time) seed {
			s := baseSeed(now)
			s.stock = fullStock(now, 3)
			s.requesters = append(s.requesters, allocation.Requester{
				ID: "requester-ravi", Name: "Ravi Menon", Phone: "+91-9000000009", City: "Pune", CancelCount: 2,
			})
			return s
		},
	},
}

func baseSeed(now time.Time) seed {
	return seed{
		requesters: []allocation.Requester{
			{ID: "requester-asha", Name: "Asha Kulkarni", Phone: "+91-9000000001", City: "Pune"},
			{ID: "requester-imran", Name: "Imran Qureshi", Phone: "+91-9000000002", City: "Mumbai"},
		},
		donors: []allocation.Donor{
			{ID: "donor-sana", Name: "Sana Patil", Phone: "+91-8000000001", BloodGroup: blood.ONeg, City: "Pune"},
			{ID: "donor-vikram", Name: "Vikram Rao", Phone: "+91-8000000002", BloodGroup: blood.APos, City: "Pune"},
			{ID: "donor-neha", Name: "Neha Iyer", Phone: "+91-8000000003", BloodGroup: blood.BPos, City: "Mumbai"},
			{ID: "donor-arjun", Name: "Arjun Das", Phone: "+91-8000000004", BloodGroup: blood.OPos, City: "Mumbai"},
			{ID: "donor-lata", Name: "Lata Nair", Phone: "+91-8000000005", BloodGroup: blood.ABNeg, City: "Pune"},
		},
	}
}

func fullStock(now time.Time, units int) []allocation.StockEntry {
	out := make([]allocation.StockEntry, 0, len(blood.Groups))
	for _, g := range blood.Groups {
		out = append(out, allocation.StockEntry{
			ID:          allocation.StockEntryID("stock-" + g.Slug()),
			BloodGroup:  g,
			Units:       units,
			LastUpdated: now,
		})
	}
	return out
}

func donated(id allocation.DonorID, name string, g blood.Group, city string, on time.Time, cooldown time.Duration) allocation.Donor {
	next := on.Add(cooldown)
	return allocation.Donor{
		ID: id, Name: name, BloodGroup: g, City: city,
		LastDonationDate: &on, NextEligibleDate: &next,
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// Scenarios serves the demo endpoints.
type Scenarios struct {
	dir  allocation.Directory
	auth *Authenticator
	now  func() time.Time

	mu      sync.Mutex
	current string
}

func NewScenarios(dir allocation.Directory, auth *Authenticator) *Scenarios {
	return &Scenarios{dir: dir, auth: auth, now: time.Now}
}

// ListScenarios handles GET /api/scenarios.
func (sc *Scenarios) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario handles GET /api/scenarios/current.
func (sc *Scenarios) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	sc.mu.Lock()
	current := sc.current
	sc.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s.ScenarioDTO)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario handles POST /api/scenarios/load.
func (sc *Scenarios) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := sc.Load(r.Context(), req.ScenarioID)
	if err != nil {
		if allocation.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetDatabase handles POST /api/scenarios/reset.
func (sc *Scenarios) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.dir.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	sc.current = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Load resets the database and seeds scenario id.
func (sc *Scenarios) Load(ctx context.Context, id string) (*LoadScenarioResponse, error) {
	var found *scenario
	for i := range scenarios {
		if scenarios[i].ID == id {
			found = &scenarios[i]
		}
	}
	if found == nil {
		return nil, allocation.NotFound("scenario", id)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.dir.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	s := found.build(sc.now().UTC())
	for _, r := range s.requesters {
		if err := sc.dir.SaveRequester(ctx, r); err != nil {
			return nil, fmt.Errorf("seed requester %s: %w", r.ID, err)
		}
	}
	for _, d := range s.donors {
		if err := sc.dir.SaveDonor(ctx, d); err != nil {
			return nil, fmt.Errorf("seed donor %s: %w", d.ID, err)
		}
	}
	for _, e := range s.stock {
		if err := sc.dir.SaveStockEntry(ctx, e); err != nil {
			return nil, fmt.Errorf("seed stock %s: %w", e.ID, err)
		}
	}
	sc.current = id

	tokens, err := sc.tokens(s)
	if err != nil {
		return nil, err
	}
	return &LoadScenarioResponse{Scenario: found.ScenarioDTO, Tokens: tokens}, nil
}

func (sc *Scenarios) tokens(s seed) (map[string]string, error) {
	actors := []allocation.Actor{allocation.AdminActor("admin")}
	for _, r := range s.requesters {
		actors = append(actors, allocation.RequesterActor(r.ID))
	}
	for _, d := range s.donors {
		actors = append(actors, allocation.DonorActor(d.ID))
	}

	out := make(map[string]string, len(actors))
	for _, a := range actors {
		tok, err := sc.auth.Issue(a, 12*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue token for %s: %w", a.ID, err)
		}
		out[string(a.Role)+":"+a.ID] = tok
	}
	return out, nil
}
