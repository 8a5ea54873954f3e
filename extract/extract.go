// Package extract talks to the external extraction service that turns raw
// document content into candidate entities and relationships.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/internal/httpclient"
)

// Entity is a candidate node extracted from a document.
type Entity struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Relationship is a candidate edge between two extracted entities.
type Relationship struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// Result carries everything the extraction service produced for one document,
// including the provenance needed to trace mutations back to their source.
type Result struct {
	SourceRef     string         `json:"source_ref"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Confidence    float64        `json:"confidence"`
	ExtractedAt   time.Time      `json:"extracted_at"`
}

// Extractor is the boundary to the extraction service. Errors crossing it are
// already classified.
type Extractor interface {
	Extract(ctx context.Context, sourceRef string) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Client calls the extraction service over HTTP with rate limiting and a
// concurrency cap.
type Client struct {
	baseURL string
	http    *httpclient.Client
	limiter *rate.Limiter
	slots   *concLimiter
	minConf float64
	log     *zap.SugaredLogger
}

// Config controls client throttling.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	MinConfidence     float64
}

const dependency = "extraction"

// NewClient creates an extraction client from cfg.
func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpclient.New(cfg.Timeout, httpclient.Options{}),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		slots:   newConcLimiter(cfg.MaxConcurrent),
		minConf: cfg.MinConfidence,
		log:     log,
	}
}

// Extract submits sourceRef to the extraction service and returns the parsed
// result. Low-confidence entities and relationships are dropped before return.
func (c *Client) Extract(ctx context.Context, sourceRef string) (*Result, error) {
	if err := c.slots.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.slots.Release()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"source_ref": sourceRef})
	if err != nil {
		return nil, faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "failed to encode extraction request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "failed to build extraction request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, faults.ClassifyNetwork(dependency, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&result); err != nil {
		return nil, faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "failed to decode extraction response"))
	}
	result.SourceRef = sourceRef
	if result.ExtractedAt.IsZero() {
		result.ExtractedAt = time.Now().UTC()
	}

	c.filterConfidence(&result)

	c.log.Debugw("extraction completed",
		"source_ref", sourceRef,
		"entities", len(result.Entities),
		"relationships", len(result.Relationships),
		"confidence", result.Confidence)

	return &result, nil
}

// SetMaxConcurrent adjusts the in-flight request cap at runtime.
func (c *Client) SetMaxConcurrent(n int) {
	c.slots.Resize(n)
	c.log.Infow("extraction concurrency adjusted", "max_concurrent", c.slots.Capacity())
}

// MaxConcurrent returns the current in-flight request cap.
func (c *Client) MaxConcurrent() int {
	return c.slots.Capacity()
}

// HealthCheck probes the extraction service readiness endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "failed to build health request"))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.ClassifyNetwork(dependency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return faults.Markf(faults.Transient, dependency, "extraction service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// filterConfidence drops entities and relationships below the configured
// confidence floor.
func (c *Client) filterConfidence(r *Result) {
	if c.minConf <= 0 {
		return
	}
	kept := r.Entities[:0]
	for _, e := range r.Entities {
		if e.Confidence >= c.minConf {
			kept = append(kept, e)
		}
	}
	dropped := len(r.Entities) - len(kept)
	r.Entities = kept

	keptRels := r.Relationships[:0]
	for _, rel := range r.Relationships {
		if rel.Confidence >= c.minConf {
			keptRels = append(keptRels, rel)
		}
	}
	dropped += len(r.Relationships) - len(keptRels)
	r.Relationships = keptRels

	if dropped > 0 {
		c.log.Debugw("dropped low-confidence extractions", "count", dropped, "floor", c.minConf)
	}
}

// classifyStatus maps HTTP status codes onto fault classes. Server errors and
// throttling are retryable, client errors are not.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.Markf(faults.Resource, dependency, "extraction service throttled: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return faults.Markf(faults.Transient, dependency, "extraction service error: status %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errors.Newf("extraction request rejected: status %d", resp.StatusCode)
		if len(snippet) > 0 {
			err = errors.WithDetail(err, fmt.Sprintf("response body: %s", snippet))
		}
		return faults.Mark(faults.Permanent, dependency, err)
	}
}
