// Package openmrs is the REST client for the LIS backend (OpenMRS with the
// iCare laboratory module). It implements the sample query, status mutation,
// concept lookup, settings and visit collaborators of the release workflow.
package openmrs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/domain/sampleresults"
)

const restPath = "/ws/rest/v1"

const visitProjection = "custom:(uuid,attributes:(uuid,value,attributeType:(uuid,display)))"

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Retries  int
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openmrs %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")+restPath).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return &Client{http: client, logger: logger.With().Str("component", "openmrs").Logger()}
}

func (c *Client) do(req *resty.Request, method, path string) (*resty.Response, error) {
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("openmrs request failed")
		return nil, fmt.Errorf("openmrs %s %s: %w", method, path, err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("elapsed", time.Since(start)).
		Msg("openmrs request")
	if resp.IsError() {
		return resp, &APIError{Method: method, Path: path, Status: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return resp, nil
}

// -- Samples --

// SamplesByStatus lists samples in q.StatusCategory, passing the date range
// and department through to the server.
func (c *Client) SamplesByStatus(ctx context.Context, q sampleresults.SampleQuery) ([]*sampleresults.Sample, error) {
	params := map[string]string{"v": "full"}
	if q.StatusCategory != "" {
		params["sampleCategory"] = q.StatusCategory
	}
	if q.Department != "" {
		params["department"] = q.Department
	}
	if q.StartDate != "" {
		params["startDate"] = q.StartDate
	}
	if q.EndDate != "" {
		params["endDate"] = q.EndDate
	}
	if q.SearchText != "" {
		params["q"] = q.SearchText
	}

	var page struct {
		Results []sampleWire `json:"results"`
	}
	req := c.http.R().SetContext(ctx).SetQueryParams(params).SetResult(&page)
	if _, err := c.do(req, http.MethodGet, "/lab/samples"); err != nil {
		return nil, err
	}
	out := make([]*sampleresults.Sample, 0, len(page.Results))
	for i := range page.Results {
		out = append(out, page.Results[i].toDomain())
	}
	return out, nil
}

// SampleByUUID returns nil without error when the sample does not exist.
func (c *Client) SampleByUUID(ctx context.Context, uuid string) (*sampleresults.Sample, error) {
	var w sampleWire
	req := c.http.R().SetContext(ctx).SetQueryParam("v", "full").SetResult(&w)
	resp, err := c.do(req, http.MethodGet, "/lab/sample/"+uuid)
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return w.toDomain(), nil
}

type ref struct {
	UUID string `json:"uuid"`
}

type sampleStatusBody struct {
	Sample   ref    `json:"sample"`
	User     ref    `json:"user"`
	Remarks  string `json:"remarks"`
	Status   string `json:"status"`
	Category string `json:"category"`
}

// SetSampleStatus posts a status record for a sample. The server may answer
// 200 with an error object, which is reported as a failure.
func (c *Client) SetSampleStatus(ctx context.Context, change sampleresults.SampleStatusChange) error {
	body := sampleStatusBody{
		Sample:   ref{UUID: change.SampleUUID},
		User:     ref{UUID: change.UserUUID},
		Remarks:  change.Remarks,
		Status:   string(change.Status),
		Category: change.Category,
	}
	var result struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	req := c.http.R().SetContext(ctx).SetBody(body).SetResult(&result)
	if _, err := c.do(req, http.MethodPost, "/lab/samplestatus"); err != nil {
		return err
	}
	if result.Error != nil {
		return fmt.Errorf("openmrs set sample status: %s", result.Error.Message)
	}
	return nil
}

// -- Concepts, settings, visits --

func (c *Client) ConceptByUUID(ctx context.Context, uuid, projection string) (*sampleresults.Concept, error) {
	var concept sampleresults.Concept
	req := c.http.R().SetContext(ctx).SetResult(&concept)
	if projection != "" {
		req.SetQueryParam("v", projection)
	}
	resp, err := c.do(req, http.MethodGet, "/concept/"+uuid)
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &concept, nil
}

// SettingValue returns the value of a global property. An unset property is
// a configuration error.
func (c *Client) SettingValue(ctx context.Context, key string) (string, error) {
	var page struct {
		Results []struct {
			Value *string `json:"value"`
		} `json:"results"`
	}
	req := c.http.R().SetContext(ctx).
		SetQueryParam("q", key).
		SetQueryParam("v", "custom:(value)").
		SetResult(&page)
	if _, err := c.do(req, http.MethodGet, "/systemsetting"); err != nil {
		return "", err
	}
	if len(page.Results) == 0 || page.Results[0].Value == nil || *page.Results[0].Value == "" {
		return "", fmt.Errorf("%w: setting %s is not set", sampleresults.ErrConfiguration, key)
	}
	return *page.Results[0].Value, nil
}

func (c *Client) VisitByUUID(ctx context.Context, uuid string) (*sampleresults.Visit, error) {
	var w visitWire
	req := c.http.R().SetContext(ctx).SetQueryParam("v", visitProjection).SetResult(&w)
	if _, err := c.do(req, http.MethodGet, "/visit/"+uuid); err != nil {
		return nil, err
	}
	return w.toDomain(), nil
}

// -- Wire formats --

type displayRef struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
}

type statusWire struct {
	Status    string `json:"status"`
	Category  string `json:"category"`
	Remarks   string `json:"remarks"`
	Timestamp Time   `json:"timestamp"`
}

type resultWire struct {
	UUID         string      `json:"uuid"`
	ValueCoded   *displayRef `json:"valueCoded"`
	ValueNumeric *float64    `json:"valueNumeric"`
	ValueText    string      `json:"valueText"`
	DateCreated  Time        `json:"dateCreated"`
}

type allocationWire struct {
	UUID    string       `json:"uuid"`
	Concept displayRef   `json:"concept"`
	Results []resultWire `json:"results"`
}

type orderWire struct {
	Order struct {
		UUID    string     `json:"uuid"`
		Concept displayRef `json:"concept"`
	} `json:"order"`
	TestAllocations []allocationWire `json:"testAllocations"`
}

type sampleWire struct {
	UUID       string       `json:"uuid"`
	Label      string       `json:"label"`
	Department displayRef   `json:"department"`
	Visit      displayRef   `json:"visit"`
	Patient    displayRef   `json:"patient"`
	Statuses   []statusWire `json:"statuses"`
	Orders     []orderWire  `json:"orders"`
}

// releaseStatuses are the statuses a completed sample can be moved to.
var releaseStatuses = map[string]bool{
	string(sampleresults.StatusReleased):           true,
	string(sampleresults.StatusRestricted):         true,
	string(sampleresults.StatusResultsIntegration): true,
}

// status derives the workflow status. The newest release-type record wins.
// Without one, any COMPLETED record makes the sample COMPLETED whatever
// later records (authorisation, result entry) say. Otherwise the newest
// record's category is reported and the transition guard rejects it.
func (w *sampleWire) status() (sampleresults.Status, string) {
	statuses := append([]statusWire(nil), w.Statuses...)
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].Timestamp.After(statuses[j].Timestamp.Time)
	})
	for _, s := range statuses {
		for _, v := range []string{s.Status, s.Category} {
			if st := sampleresults.NormalizeStatus(v); releaseStatuses[string(st)] {
				return st, s.Category
			}
		}
	}
	for _, s := range statuses {
		if sampleresults.NormalizeStatus(s.Status) == sampleresults.StatusCompleted ||
			sampleresults.NormalizeStatus(s.Category) == sampleresults.StatusCompleted {
			return sampleresults.StatusCompleted, sampleresults.CompletedCategory
		}
	}
	for _, s := range statuses {
		if s.Category != "" {
			return sampleresults.NormalizeStatus(s.Category), s.Category
		}
	}
	return "", ""
}

func (w *sampleWire) toDomain() *sampleresults.Sample {
	status, category := w.status()
	s := &sampleresults.Sample{
		ID:          w.UUID,
		Label:       w.Label,
		Status:      status,
		Category:    category,
		Department:  w.Department.Display,
		VisitUUID:   w.Visit.UUID,
		PatientName: w.Patient.Display,
		Orders:      make([]sampleresults.Order, 0, len(w.Orders)),
	}
	for _, o := range w.Orders {
		order := sampleresults.Order{
			UUID:           o.Order.UUID,
			ConceptDisplay: o.Order.Concept.Display,
		}
		for _, a := range o.TestAllocations {
			alloc := sampleresults.TestAllocation{
				UUID:        a.UUID,
				ConceptUUID: a.Concept.UUID,
				Display:     a.Concept.Display,
			}
			for _, r := range a.Results {
				res := sampleresults.Result{
					UUID:         r.UUID,
					ValueNumeric: r.ValueNumeric,
					ValueText:    r.ValueText,
					DateCreated:  r.DateCreated.Time,
				}
				if r.ValueCoded != nil {
					res.ValueCoded = &sampleresults.CodedValue{UUID: r.ValueCoded.UUID, Display: r.ValueCoded.Display}
				}
				alloc.Results = append(alloc.Results, res)
			}
			order.TestAllocations = append(order.TestAllocations, alloc)
		}
		s.Orders = append(s.Orders, order)
	}
	return s
}

type visitWire struct {
	UUID       string `json:"uuid"`
	Attributes []struct {
		Value         json.RawMessage `json:"value"`
		AttributeType displayRef      `json:"attributeType"`
	} `json:"attributes"`
}

// toDomain keeps attribute values as text. A string value is unquoted, any
// other JSON value is kept verbatim.
func (w *visitWire) toDomain() *sampleresults.Visit {
	v := &sampleresults.Visit{UUID: w.UUID}
	for _, a := range w.Attributes {
		value := string(a.Value)
		var s string
		if err := json.Unmarshal(a.Value, &s); err == nil {
			value = s
		}
		v.Attributes = append(v.Attributes, sampleresults.VisitAttribute{
			AttributeTypeUUID: a.AttributeType.UUID,
			Value:             value,
		})
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
