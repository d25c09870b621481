/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain records are
  served as-is; widget metadata and metric reports get API-specific
  wrappers so the display strings live here and not in the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Widgets:
    WidgetDTO, MetricDefDTO

  Widget state:
    RecordsResponse, MetricsResponse, MetricDTO, RowDTO

  Streaming:
    StreamMessage, StreamCommand

  Dismissals:
    DismissRequest, DismissalsResponse

SEE ALSO:
  - handlers.go: Uses these types
  - generic/types.go: Report, MetricResult
*/
package api

import (
	"time"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/generic"
)

// =============================================================================
// WIDGET CATALOGUE
// =============================================================================

// WidgetDTO describes one widget of the catalogue.
type WidgetDTO struct {
	Name        string         `json:"name"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Table       string         `json:"table"`
	DateField   string         `json:"dateField,omitempty"`
	Metrics     []MetricDefDTO `json:"metrics"`
}

// MetricDefDTO describes a metric's shape without values.
type MetricDefDTO struct {
	Name     string   `json:"name"`
	GroupBy  string   `json:"groupBy,omitempty"`
	Measures []string `json:"measures"`
}

func toWidgetDTO(w *generic.WidgetSpec[activity.Activity]) WidgetDTO {
	dto := WidgetDTO{
		Name:        w.Name,
		Title:       w.Title,
		Description: w.Description,
		Table:       w.Table,
		DateField:   w.Pipeline.Window.DateField,
		Metrics:     make([]MetricDefDTO, 0, len(w.Pipeline.Metrics)),
	}
	for _, m := range w.Pipeline.Metrics {
		def := MetricDefDTO{Name: m.Name, Measures: make([]string, 0, len(m.Measures))}
		if m.GroupBy != nil {
			def.GroupBy = m.GroupBy.Name
		}
		for _, ms := range m.Measures {
			def.Measures = append(def.Measures, ms.Name)
		}
		dto.Metrics = append(dto.Metrics, def)
	}
	return dto
}

// =============================================================================
// WIDGET STATE
// =============================================================================

// RecordsResponse is the {records, loading, error} triple of a binding.
type RecordsResponse struct {
	Widget   string              `json:"widget"`
	OwnerRef string              `json:"ownerRef"`
	Records  []activity.Activity `json:"records"`
	Loading  bool                `json:"loading"`
	Error    string              `json:"error,omitempty"`
	Stale    bool                `json:"stale"`
	Version  uint64              `json:"version"`
	LoadedAt *time.Time          `json:"loadedAt,omitempty"`
}

func toRecordsResponse(widget string, st generic.BindingState[activity.Activity]) RecordsResponse {
	resp := RecordsResponse{
		Widget:   widget,
		OwnerRef: st.Owner,
		Records:  st.Records,
		Loading:  st.Loading,
		Error:    st.Error,
		Stale:    st.Stale,
		Version:  st.Version,
	}
	if resp.Records == nil {
		resp.Records = []activity.Activity{}
	}
	if !st.LoadedAt.IsZero() {
		t := st.LoadedAt
		resp.LoadedAt = &t
	}
	return resp
}

// MetricsResponse is a computed report plus the binding status it was
// computed under.
type MetricsResponse struct {
	Widget   string      `json:"widget"`
	OwnerRef string      `json:"ownerRef"`
	Version  uint64      `json:"version"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
	Count    int         `json:"count"`
	Metrics  []MetricDTO `json:"metrics"`
	Loading  bool        `json:"loading"`
	Error    string      `json:"error,omitempty"`
	Stale    bool        `json:"stale"`
}

// MetricDTO is one metric's values. Display holds the formatted value of
// ratio measures ("233.33").
type MetricDTO struct {
	Name    string             `json:"name"`
	Totals  map[string]float64 `json:"totals"`
	Display map[string]string  `json:"display,omitempty"`
	Rows    []RowDTO           `json:"rows,omitempty"`
}

// RowDTO is one partition of a grouped metric.
type RowDTO struct {
	Key     string             `json:"key"`
	Values  map[string]float64 `json:"values"`
	Display map[string]string  `json:"display,omitempty"`
}

func toMetricsResponse(w *generic.WidgetSpec[activity.Activity], st generic.BindingState[activity.Activity], report generic.Report) MetricsResponse {
	resp := MetricsResponse{
		Widget:   w.Name,
		OwnerRef: st.Owner,
		Version:  report.Version,
		Count:    report.Count,
		Metrics:  make([]MetricDTO, 0, len(report.Metrics)),
		Loading:  st.Loading,
		Error:    st.Error,
		Stale:    st.Stale,
	}
	if !report.Range.From.IsZero() {
		resp.From = report.Range.From.Format(time.RFC3339)
	}
	if !report.Range.To.IsZero() {
		resp.To = report.Range.To.Format(time.RFC3339)
	}

	ratios := ratioMeasures(w)
	for _, res := range report.Metrics {
		dto := MetricDTO{
			Name:    res.Name,
			Totals:  res.Totals,
			Display: display(res.Totals, ratios[res.Name]),
		}
		for _, row := range res.Rows {
			dto.Rows = append(dto.Rows, RowDTO{
				Key:     row.Key,
				Values:  row.Values,
				Display: display(row.Values, ratios[res.Name]),
			})
		}
		resp.Metrics = append(resp.Metrics, dto)
	}
	return resp
}

// ratioMeasures maps metric name to the names of its ratio measures.
func ratioMeasures(w *generic.WidgetSpec[activity.Activity]) map[string][]string {
	out := make(map[string][]string)
	for _, m := range w.Pipeline.Metrics {
		for _, ms := range m.Measures {
			if ms.IsRatio() {
				out[m.Name] = append(out[m.Name], ms.Name)
			}
		}
	}
	return out
}

func display(values map[string]float64, ratios []string) map[string]string {
	if len(ratios) == 0 {
		return nil
	}
	out := make(map[string]string, len(ratios))
	for _, name := range ratios {
		if v, ok := values[name]; ok {
			out[name] = generic.FormatPercent(v)
		}
	}
	return out
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamMessage is pushed to websocket clients.
type StreamMessage struct {
	Type    string           `json:"type"` // "metrics" or "error"
	Metrics *MetricsResponse `json:"metrics,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// StreamCommand is read from websocket clients. Sending a new ownerRef
// rebinds the stream; from/to/match replace the criteria.
type StreamCommand struct {
	OwnerRef string            `json:"ownerRef"`
	From     string            `json:"from,omitempty"`
	To       string            `json:"to,omitempty"`
	Match    map[string]string `json:"match,omitempty"`
}

// =============================================================================
// DISMISSALS
// =============================================================================

// DismissRequest hides an item for the rest of the day.
type DismissRequest struct {
	OwnerRef string `json:"ownerRef"`
	ItemKey  string `json:"itemKey"`
}

// DismissalsResponse lists today's dismissals for an owner.
type DismissalsResponse struct {
	OwnerRef   string              `json:"ownerRef"`
	Dismissals []generic.Dismissal `json:"dismissals"`
}

// ActivitiesResponse mirrors the snapshot endpoint's envelope.
type ActivitiesResponse struct {
	Activities []activity.Activity `json:"activities"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
