/*
scenarios.go - Demo scenario loaders and activity ingest

PURPOSE:

	Provides pre-built scenarios that populate the activity store with
	realistic data for demos, and an ingest endpoint for arbitrary
	activities. Both go through Handler.Ingest, which persists the records
	and publishes change events, so every live widget bound to the owner
	updates without a reload.

AVAILABLE SCENARIOS:

	outbound-week:   Touchbase calls with a few delivered invoices
	quote-pipeline:  Quotations at every pipeline stage
	sales-quarter:   Sales orders spread over the last three months

HOW SCENARIOS WORK:
 1. Generate activities for the requested owner, dated relative to now
 2. Ingest them (upsert + change events)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "outbound-week", "ownerRef": "agent-001"}

	POST /api/activities
	[{"id": "...", "ownerRef": "...", ...}]

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Write a builder: func(owner string, now time.Time) []activity.Activity

NOTE:

	Scenario IDs are deterministic per owner, so loading a scenario twice
	updates the same records instead of duplicating them.

SEE ALSO:
  - handlers.go: Handler
  - activity/vocabulary.go: Field values used below
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/generic"
)

// IngestFunc persists activities and publishes the resulting change events.
// It returns how many records changed.
type IngestFunc func(ctx context.Context, records []activity.Activity) (int, error)

// maxIngestBody bounds POST /api/activities.
const maxIngestBody = 8 << 20

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Widgets     []string `json:"widgets"`
}

// LoadScenarioRequest selects a scenario and the owner to load it for.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	OwnerRef   string `json:"ownerRef"`
}

// IngestResponse reports an ingest.
type IngestResponse struct {
	Accepted int              `json:"accepted"`
	Changed  int              `json:"changed"`
	Rejected []RejectedRecord `json:"rejected,omitempty"`
}

// RejectedRecord is an input record that could not be used.
type RejectedRecord struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type scenario struct {
	ScenarioDTO
	build func(owner string, now time.Time) []activity.Activity
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "outbound-week",
			Name:        "Outbound Week",
			Description: "Twelve touchbase calls, eight successful, and two delivered invoices",
			Widgets:     []string{"outbound-calls", "calls-to-si", "time-by-activity"},
		},
		build: buildOutboundWeek,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "quote-pipeline",
			Name:        "Quote Pipeline",
			Description: "Six quotations: three quoted, two converted to SO, one delivered",
			Widgets:     []string{"quote-to-so", "status-breakdown", "quotation-status"},
		},
		build: buildQuotePipeline,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "sales-quarter",
			Name:        "Sales Quarter",
			Description: "Sales orders and deliveries over the last three months",
			Widgets:     []string{"monthly-sales", "delivered-sales"},
		},
		build: buildSalesQuarter,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario ingests a predefined scenario for an owner.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Ingest == nil {
		writeError(w, http.StatusNotImplemented, "Ingest is not available with this snapshot source", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	owner := strings.TrimSpace(req.OwnerRef)
	if owner == "" {
		h.fail(w, r, "ownerRef is required", generic.ErrOwnerRequired)
		return
	}
	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	records := sc.build(owner, h.Clock.Now())
	changed, err := h.Ingest(r.Context(), records)
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.Logger.Info(r.Context(), "loaded scenario",
		slog.F("scenario", sc.ID), slog.F("owner", owner), slog.F("records", len(records)))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": sc.ID,
		"ownerRef": owner,
		"records":  changed,
	})
}

// IngestActivities upserts activities from the request body. Records that
// fail boundary validation are reported, not fatal.
func (h *Handler) IngestActivities(w http.ResponseWriter, r *http.Request) {
	if h.Ingest == nil {
		writeError(w, http.StatusNotImplemented, "Ingest is not available with this snapshot source", nil)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	records, rejected, err := activity.DecodeDocument(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp := IngestResponse{Accepted: len(records)}
	for _, rj := range rejected {
		resp.Rejected = append(resp.Rejected, RejectedRecord{Index: rj.Index, Error: rj.Err.Error()})
	}
	if len(records) > 0 {
		resp.Changed, err = h.Ingest(r.Context(), records)
		if err != nil {
			h.fail(w, r, "Failed to ingest activities", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// SCENARIO BUILDERS
// =============================================================================

func scenarioID(name, owner string, i int) string {
	return fmt.Sprintf("%s-%s-%03d", name, strings.ToLower(owner), i)
}

// at returns day d of now's month at hour:minute, clamped to the month.
func at(now time.Time, d, hour, minute int) time.Time {
	last := generic.EndOfMonth(now).Day()
	if d > last {
		d = last
	}
	return time.Date(now.Year(), now.Month(), d, hour, minute, 0, 0, time.UTC)
}

func buildOutboundWeek(owner string, now time.Time) []activity.Activity {
	companies := []string{"Acme Trading", "Blue Harbor", "Northwind", "Summit Supply"}
	var out []activity.Activity
	for i := 0; i < 12; i++ {
		start := at(now, 1+i/3, 9+i%3, 0)
		call := activity.CallSuccessful
		if i%3 == 2 {
			call = activity.CallUnsuccessful
		}
		out = append(out, activity.Activity{
			ID:           scenarioID("outbound-week", owner, i),
			OwnerRef:     owner,
			CompanyName:  companies[i%len(companies)],
			Source:       activity.SourceOutboundTouchbase,
			Status:       activity.StatusAssisted,
			TypeActivity: activity.TypeOutboundCall,
			CallStatus:   call,
			DateCreated:  generic.DateOf(start),
			StartDate:    generic.DateOf(start),
			EndDate:      generic.DateOf(start.Add(15 * time.Minute)),
		})
	}
	for i := 0; i < 2; i++ {
		start := at(now, 2+i, 14, 0)
		out = append(out, activity.Activity{
			ID:           scenarioID("outbound-week", owner, 100+i),
			OwnerRef:     owner,
			CompanyName:  companies[i],
			Source:       activity.SourceExistingClient,
			Status:       activity.StatusDelivered,
			TypeActivity: activity.TypeDelivery,
			DateCreated:  generic.DateOf(start),
			StartDate:    generic.DateOf(start),
			EndDate:      generic.DateOf(start.Add(time.Hour)),
			SIDate:       generic.DateOf(start),
			SOAmount:     25000,
			ActualSales:  25000,
		})
	}
	return out
}

func buildQuotePipeline(owner string, now time.Time) []activity.Activity {
	stages := []struct {
		status    string
		quotation string
		quote     float64
		so        float64
	}{
		{activity.StatusQuoteDone, activity.QuotationPending, 12000, 0},
		{activity.StatusQuoteDone, activity.QuotationPending, 8500, 0},
		{activity.StatusQuoteDone, activity.QuotationDeclined, 4300, 0},
		{activity.StatusSODone, activity.QuotationForSO, 15000, 15000},
		{activity.StatusSODone, activity.QuotationForSO, 9800, 9500},
		{activity.StatusDelivered, activity.QuotationComplete, 22000, 22000},
	}
	out := make([]activity.Activity, 0, len(stages))
	for i, st := range stages {
		start := at(now, 1+i, 10, 30)
		a := activity.Activity{
			ID:              scenarioID("quote-pipeline", owner, i),
			OwnerRef:        owner,
			CompanyName:     fmt.Sprintf("Client %c", 'A'+i),
			Source:          activity.SourceInbound,
			Status:          st.status,
			TypeActivity:    activity.TypeQuotation,
			QuotationStatus: st.quotation,
			DateCreated:     generic.DateOf(start),
			StartDate:       generic.DateOf(start),
			EndDate:         generic.DateOf(start.Add(45 * time.Minute)),
			QuotationAmount: st.quote,
			SOAmount:        st.so,
		}
		if st.status == activity.StatusDelivered {
			a.SIDate = generic.DateOf(start)
			a.ActualSales = st.so
		}
		out = append(out, a)
	}
	return out
}

func buildSalesQuarter(owner string, now time.Time) []activity.Activity {
	var out []activity.Activity
	first := generic.StartOfMonth(now)
	for m := 0; m < 3; m++ {
		month := first.AddDate(0, -m, 0)
		for i := 0; i < 3; i++ {
			created := time.Date(month.Year(), month.Month(), 5+7*i, 11, 0, 0, 0, time.UTC)
			status := activity.StatusSODone
			a := activity.Activity{
				ID:           scenarioID("sales-quarter", owner, m*10+i),
				OwnerRef:     owner,
				CompanyName:  fmt.Sprintf("Account %d", m*10+i),
				Source:       activity.SourceExistingClient,
				TypeActivity: activity.TypeSalesOrder,
				DateCreated:  generic.DateOf(created),
				SOAmount:     float64(10000 * (i + 1)),
			}
			if i == 0 {
				status = activity.StatusDelivered
				a.TypeActivity = activity.TypeDelivery
				a.SIDate = generic.DateOf(created.AddDate(0, 0, 2))
				a.ActualSales = a.SOAmount
			}
			a.Status = status
			out = append(out, a)
		}
	}
	return out
}
