/*
Package activity is the sales-activity domain: the record model, its field
vocabulary and the built-in dashboard widget catalogue.

BOUNDARY:
  Activities arrive from the snapshot endpoint, the change feed and CSV or
  JSON imports with loosely typed fields: numbers as strings with currency
  symbols, dates in several layouts, camelCase or snake_case keys. They
  are coerced exactly once, here, into a total Activity:

    - amounts default to 0 (generic.ParseAmount)
    - dates default to absent (generic.ParseDate)
    - a record without an id is rejected (generic.ErrMissingID)

  Everything downstream can assume well-typed data.

SEE ALSO:
  - vocabulary.go: exact-match values
  - schema.go: named field accessors used by widget definitions
  - widgets.yaml: built-in widget catalogue
*/
package activity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/warp/salesops-engine/generic"
)

// =============================================================================
// ACTIVITY
// =============================================================================

// Activity is one logged sales activity (call, quotation, sales order,
// delivery) owned by a sales representative.
type Activity struct {
	ID       string `json:"id"`
	OwnerRef string `json:"ownerRef"`

	ReferenceID   string `json:"referenceid,omitempty"`
	CompanyName   string `json:"companyName,omitempty"`
	ContactPerson string `json:"contactPerson,omitempty"`
	Remarks       string `json:"remarks,omitempty"`

	Source          string `json:"source,omitempty"`
	Status          string `json:"status,omitempty"`
	TypeActivity    string `json:"typeActivity,omitempty"`
	CallStatus      string `json:"callStatus,omitempty"`
	QuotationStatus string `json:"quotationStatus,omitempty"`

	DateCreated  generic.Date `json:"dateCreated"`
	StartDate    generic.Date `json:"startDate"`
	EndDate      generic.Date `json:"endDate"`
	SIDate       generic.Date `json:"siDate"`
	FollowupDate generic.Date `json:"followupDate"`

	ActualSales     float64 `json:"actualSales"`
	QuotationAmount float64 `json:"quotationAmount"`
	SOAmount        float64 `json:"soAmount"`
}

func (a Activity) Key() string   { return a.ID }
func (a Activity) Owner() string { return a.OwnerRef }

// Compile-time check that Activity can live in a replica.
var _ generic.Record = Activity{}

// Duration is the time spent on the activity, 0 when unknown.
func (a Activity) Duration() float64 {
	return generic.DurationMillis(generic.DurationBetween(a.StartDate, a.EndDate))
}

// =============================================================================
// DECODING
// =============================================================================

// aliases lists the accepted spellings per field, first one canonical.
var aliases = map[string][]string{
	"id":              {"id", "_id", "activityId", "activity_id"},
	"ownerRef":        {"ownerRef", "owner_ref", "ownerref"},
	"referenceid":     {"referenceid", "referenceId", "reference_id"},
	"companyName":     {"companyName", "company_name", "companyname"},
	"contactPerson":   {"contactPerson", "contact_person", "contactperson"},
	"remarks":         {"remarks", "notes"},
	"source":          {"source"},
	"status":          {"status"},
	"typeActivity":    {"typeActivity", "type_activity", "activityType", "activity_type"},
	"callStatus":      {"callStatus", "call_status", "callstatus"},
	"quotationStatus": {"quotationStatus", "quotation_status"},
	"dateCreated":     {"dateCreated", "date_created", "createdAt", "created_at"},
	"startDate":       {"startDate", "start_date"},
	"endDate":         {"endDate", "end_date"},
	"siDate":          {"siDate", "si_date"},
	"followupDate":    {"followupDate", "followUpDate", "followup_date"},
	"actualSales":     {"actualSales", "actual_sales"},
	"quotationAmount": {"quotationAmount", "quotation_amount"},
	"soAmount":        {"soAmount", "so_amount"},
}

func lookup(m map[string]any, field string) any {
	for _, name := range aliases[field] {
		if v, ok := m[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

// FromMap coerces a loosely typed payload into an Activity.
func FromMap(m map[string]any) (Activity, error) {
	str := func(field string) string { return generic.StringValue(lookup(m, field)) }
	date := func(field string) generic.Date { return generic.ParseDate(str(field)) }
	amount := func(field string) float64 { return generic.ParseAmount(lookup(m, field)) }

	a := Activity{
		ID:       str("id"),
		OwnerRef: str("ownerRef"),

		ReferenceID:   str("referenceid"),
		CompanyName:   str("companyName"),
		ContactPerson: str("contactPerson"),
		Remarks:       str("remarks"),

		Source:          str("source"),
		Status:          str("status"),
		TypeActivity:    str("typeActivity"),
		CallStatus:      str("callStatus"),
		QuotationStatus: str("quotationStatus"),

		DateCreated:  date("dateCreated"),
		StartDate:    date("startDate"),
		EndDate:      date("endDate"),
		SIDate:       date("siDate"),
		FollowupDate: date("followupDate"),

		ActualSales:     amount("actualSales"),
		QuotationAmount: amount("quotationAmount"),
		SOAmount:        amount("soAmount"),
	}
	if a.ID == "" {
		return Activity{}, generic.ErrMissingID
	}
	return a, nil
}

// Decode coerces one JSON object into an Activity.
func Decode(data []byte) (Activity, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Activity{}, fmt.Errorf("decode activity: %w", err)
	}
	return FromMap(m)
}

// UnmarshalJSON routes json.Unmarshal through the boundary coercion.
func (a *Activity) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// Rejected is a boundary record that could not become an Activity.
type Rejected struct {
	Index int
	Err   error
}

// DecodeAll coerces a list of raw objects, skipping the ones that cannot
// be used. The rejected entries are returned for logging.
func DecodeAll(raws []json.RawMessage) ([]Activity, []Rejected) {
	out := make([]Activity, 0, len(raws))
	var rejected []Rejected
	for i, raw := range raws {
		a, err := Decode(raw)
		if err != nil {
			rejected = append(rejected, Rejected{Index: i, Err: err})
			continue
		}
		out = append(out, a)
	}
	return out, rejected
}

// DecodeDocument accepts a bare JSON array of activities or the snapshot
// envelope ({"activities": [...]} or {"data": [...]}).
func DecodeDocument(data []byte) ([]Activity, []Rejected, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		var env struct {
			Activities []json.RawMessage `json:"activities"`
			Data       []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, fmt.Errorf("decode activities document: %w", err)
		}
		raws = env.Activities
		if raws == nil {
			raws = env.Data
		}
	}
	out, rejected := DecodeAll(raws)
	return out, rejected, nil
}
