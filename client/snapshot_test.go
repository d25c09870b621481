package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/client"
	"github.com/warp/salesops-engine/generic"
)

func newClient(t *testing.T, h http.HandlerFunc) *client.SnapshotClient[activity.Activity] {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := client.NewSnapshotClient[activity.Activity](srv.URL+"/api/", "/activities", activity.Decode, srv.Client(), slogtest.Make(t, nil))
	require.NoError(t, err)
	return c
}

func TestSnapshotClient_Fetch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"activities envelope", `{"activities":[{"id":"1","ownerRef":"agent 7","soAmount":"1,250"},{"ownerRef":"agent 7"},{"id":2,"ownerRef":"agent 7"}]}`},
		{"data envelope", `{"data":[{"id":"1","ownerRef":"agent 7","soAmount":1250},{"id":"2","ownerRef":"agent 7"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: An endpoint answering for "agent 7"
			var gotPath, gotOwner string
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotOwner = r.URL.Query().Get("ownerRef")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})

			// WHEN: Fetching
			records, err := c.Fetch(context.Background(), "agent 7")

			// THEN: Malformed records are skipped, the rest coerced
			require.NoError(t, err)
			assert.Equal(t, "/api/activities", gotPath)
			assert.Equal(t, "agent 7", gotOwner)
			require.Len(t, records, 2)
			assert.Equal(t, "1", records[0].ID)
			assert.Equal(t, float64(1250), records[0].SOAmount)
			assert.Equal(t, "2", records[1].ID)
		})
	}
}

func TestSnapshotClient_ErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"json error", http.StatusBadRequest, `{"error":"ownerRef is required"}`, "failed to load records (400): ownerRef is required"},
		{"json message", http.StatusForbidden, `{"message":"not allowed"}`, "failed to load records (403): not allowed"},
		{"plain body", http.StatusInternalServerError, `upstream exploded`, "failed to load records: Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Fetch(context.Background(), "agent-1")

			var fe *generic.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Equal(t, tt.message, err.Error())
			assert.ErrorIs(t, err, generic.ErrFetchFailed)
		})
	}
}

func TestSnapshotClient_TransportAndDecodeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	c, err := client.NewSnapshotClient[activity.Activity](srv.URL, "activities", activity.Decode, nil, slogtest.Make(t, nil))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "agent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode snapshot response")

	srv.Close()
	_, err = c.Fetch(context.Background(), "agent-1")
	var fe *generic.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.StatusCode)
}

func TestNewSnapshotClient_RejectsBadURL(t *testing.T) {
	_, err := client.NewSnapshotClient[activity.Activity]("localhost:8080", "activities", activity.Decode, nil, slogtest.Make(t, nil))
	assert.Error(t, err)

	_, err = client.NewSnapshotClient[activity.Activity]("://bad", "activities", activity.Decode, nil, slogtest.Make(t, nil))
	assert.Error(t, err)
}
