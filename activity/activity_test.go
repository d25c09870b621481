package activity_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/generic"
)

// =============================================================================
// BOUNDARY DECODING
// =============================================================================

func TestDecode_AcceptsLooseShapes(t *testing.T) {
	// GIVEN: A snake_case payload with a numeric id and formatted amounts
	raw := `{
		"id": 1042,
		"owner_ref": "Agent-7",
		"company_name": "Acme Trading",
		"type_activity": "Quotation Preparation",
		"status": "Quote-Done",
		"quotation_amount": "₱ 12,500.75",
		"so_amount": null,
		"actual_sales": "n/a",
		"date_created": "2025-03-10 09:15:00",
		"start_date": "2025-03-10T09:15:00+08:00",
		"end_date": "2025-03-10T10:00:00+08:00",
		"si_date": ""
	}`

	// WHEN: Decoding
	a, err := activity.Decode([]byte(raw))

	// THEN: Every field is coerced, nothing fails
	require.NoError(t, err)
	assert.Equal(t, "1042", a.ID)
	assert.Equal(t, "Agent-7", a.OwnerRef)
	assert.Equal(t, "Acme Trading", a.CompanyName)
	assert.Equal(t, activity.TypeQuotation, a.TypeActivity)
	assert.Equal(t, 12500.75, a.QuotationAmount)
	assert.Zero(t, a.SOAmount)
	assert.Zero(t, a.ActualSales)
	assert.True(t, a.DateCreated.Valid)
	assert.False(t, a.SIDate.Valid)
	assert.Equal(t, float64(45*60*1000), a.Duration())
}

func TestDecode_CamelCaseAndAliases(t *testing.T) {
	a, err := activity.Decode([]byte(`{"_id":"a-1","ownerRef":"agent-1","activityType":"Outbound Calls","callStatus":"Successful","createdAt":"2025-01-02"}`))

	require.NoError(t, err)
	assert.Equal(t, "a-1", a.ID)
	assert.Equal(t, activity.TypeOutboundCall, a.TypeActivity)
	assert.Equal(t, activity.CallSuccessful, a.CallStatus)
	assert.Equal(t, time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC), a.DateCreated.Time)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := activity.Decode([]byte(`{"ownerRef":"agent-1"}`))
	assert.ErrorIs(t, err, generic.ErrMissingID)

	_, err = activity.Decode([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestUnmarshalJSON_UsesBoundaryCoercion(t *testing.T) {
	var list []activity.Activity
	err := json.Unmarshal([]byte(`[{"id":"1","soAmount":"1,000"},{"id":2,"so_amount":50}]`), &list)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, float64(1000), list[0].SOAmount)
	assert.Equal(t, "2", list[1].ID)
	assert.Equal(t, float64(50), list[1].SOAmount)
}

func TestDecodeDocument(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		ids      []string
		rejected []int
		wantErr  bool
	}{
		{name: "bare array", doc: `[{"id":"1"},{"id":"2"}]`, ids: []string{"1", "2"}},
		{name: "activities envelope", doc: `{"activities":[{"id":"1"}]}`, ids: []string{"1"}},
		{name: "data envelope", doc: `{"data":[{"id":"9"}]}`, ids: []string{"9"}},
		{name: "partial rejects", doc: `[{"id":"1"},{"owner":"x"},"junk",{"id":"4"}]`, ids: []string{"1", "4"}, rejected: []int{1, 2}},
		{name: "empty envelope", doc: `{}`, ids: []string{}},
		{name: "not json", doc: `activities`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, rejected, err := activity.DecodeDocument([]byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			got := make([]string, 0, len(records))
			for _, r := range records {
				got = append(got, r.ID)
			}
			assert.Equal(t, tt.ids, got)

			var idx []int
			for _, rj := range rejected {
				idx = append(idx, rj.Index)
			}
			assert.Equal(t, tt.rejected, idx)
		})
	}
}

func TestSchema_ExposesWidgetFields(t *testing.T) {
	schema := activity.Schema()

	for _, f := range []string{"source", "status", "typeActivity", "callStatus", "quotationStatus", "ownerRef"} {
		_, ok := schema.StringField(f)
		assert.True(t, ok, f)
	}
	for _, f := range []string{"dateCreated", "startDate", "endDate", "siDate", "followupDate"} {
		_, ok := schema.DateField(f)
		assert.True(t, ok, f)
	}
	for _, f := range []string{"actualSales", "quotationAmount", "soAmount", "durationMs"} {
		_, ok := schema.AmountField(f)
		assert.True(t, ok, f)
	}
}
