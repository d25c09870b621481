// Package client fetches bulk snapshots from the records REST endpoint.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cdr.dev/slog/v3"

	"github.com/warp/salesops-engine/generic"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// DecodeFunc coerces one raw record at the boundary.
type DecodeFunc[R generic.Record] func(data []byte) (R, error)

// SnapshotClient implements generic.SnapshotSource over
// GET <base>/<resource>?ownerRef=<id>.
type SnapshotClient[R generic.Record] struct {
	base     *url.URL
	resource string
	decode   DecodeFunc[R]
	client   *http.Client
	logger   slog.Logger
}

// NewSnapshotClient creates a client for resource under baseURL. A nil
// httpClient uses http.DefaultClient.
func NewSnapshotClient[R generic.Record](baseURL, resource string, decode DecodeFunc[R], httpClient *http.Client, logger slog.Logger) (*SnapshotClient[R], error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("snapshot url %q: scheme and host required", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SnapshotClient[R]{
		base:     base,
		resource: strings.Trim(resource, "/"),
		decode:   decode,
		client:   httpClient,
		logger:   logger.Named("snapshot_client"),
	}, nil
}

// envelope accepts both response shapes the endpoint family uses.
type envelope struct {
	Activities []json.RawMessage `json:"activities"`
	Data       []json.RawMessage `json:"data"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Fetch performs the one-shot bulk request for owner. Failures are returned
// as *generic.FetchError carrying a human-readable message.
func (c *SnapshotClient[R]) Fetch(ctx context.Context, owner string) ([]R, error) {
	u := c.base.JoinPath(c.resource)
	q := u.Query()
	q.Set("ownerRef", owner)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &generic.FetchError{Err: fmt.Errorf("build snapshot request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &generic.FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &generic.FetchError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &generic.FetchError{Err: fmt.Errorf("decode snapshot response: %w", err)}
	}
	raws := env.Activities
	if raws == nil {
		raws = env.Data
	}

	records := make([]R, 0, len(raws))
	for i, raw := range raws {
		r, err := c.decode(raw)
		if err != nil {
			c.logger.Warn(ctx, "skipping malformed record",
				slog.F("owner", owner), slog.F("index", i), slog.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	return ""
}
