// Package dhis2 posts lab result events to the partner tracker.
package dhis2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/domain/sampleresults"
)

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// ImportConflict is one rejected field reported by the tracker.
type ImportConflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

type ImportSummary struct {
	Status    string           `json:"status"`
	Reference string           `json:"reference"`
	Conflicts []ImportConflict `json:"conflicts"`
}

type importResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	HTTPStatusCode int    `json:"httpStatusCode"`
	Response       struct {
		Status          string          `json:"status"`
		Imported        int             `json:"imported"`
		Updated         int             `json:"updated"`
		Ignored         int             `json:"ignored"`
		ImportSummaries []ImportSummary `json:"importSummaries"`
	} `json:"response"`
}

// ImportError is returned when the tracker refuses the event.
type ImportError struct {
	HTTPStatus int
	Status     string
	Message    string
	Conflicts  []ImportConflict
}

func (e *ImportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dhis2 import %s (http %d)", e.Status, e.HTTPStatus)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	for _, c := range e.Conflicts {
		fmt.Fprintf(&b, "; %s: %s", c.Object, c.Value)
	}
	return b.String()
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewClient builds a tracker client. Event posts are never retried here; the
// dispatch reconciler owns retries.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return &Client{http: client, logger: logger.With().Str("component", "dhis2").Logger()}
}

// SendLabResult posts one tracker event and reads its import summary.
func (c *Client) SendLabResult(ctx context.Context, payload *sampleresults.Payload) (*sampleresults.TransmitResponse, error) {
	if payload == nil {
		return nil, fmt.Errorf("dhis2: nil payload")
	}
	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post("/api/events")
	if err != nil {
		c.logger.Error().Err(err).Msg("dhis2 event post failed")
		return nil, fmt.Errorf("dhis2 post event: %w", err)
	}

	var summary importResponse
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &summary); err != nil && resp.IsSuccess() {
			return nil, fmt.Errorf("dhis2 parse import response: %w", err)
		}
	}

	c.logger.Debug().
		Int("status", resp.StatusCode()).
		Str("import_status", summary.Response.Status).
		Dur("elapsed", time.Since(start)).
		Msg("dhis2 event post")

	status := summary.Response.Status
	if status == "" {
		status = summary.Status
	}
	if !resp.IsSuccess() || strings.EqualFold(status, "ERROR") || summary.Response.Ignored > 0 {
		ie := &ImportError{HTTPStatus: resp.StatusCode(), Status: status, Message: summary.Message}
		for _, s := range summary.Response.ImportSummaries {
			ie.Conflicts = append(ie.Conflicts, s.Conflicts...)
		}
		if ie.Status == "" {
			ie.Status = http.StatusText(resp.StatusCode())
		}
		if ie.Message == "" && len(ie.Conflicts) == 0 && !resp.IsSuccess() {
			ie.Message = truncate(resp.String(), 512)
		}
		return nil, ie
	}

	out := &sampleresults.TransmitResponse{
		Status:     status,
		HTTPStatus: resp.StatusCode(),
		Raw:        json.RawMessage(resp.Body()),
	}
	if len(summary.Response.ImportSummaries) > 0 {
		out.Reference = summary.Response.ImportSummaries[0].Reference
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
