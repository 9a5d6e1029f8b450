// Package proxy forwards detection requests to the running inference worker.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/openscans/internal/model"
	"github.com/seantiz/openscans/internal/store"
)

const (
	// Path is the worker's detection endpoint.
	Path = "/api/detect-vertebrae"

	// maxErrorBody caps how much of a failed response is kept.
	maxErrorBody = 64 << 10

	// maxResultBody caps how much of a successful response is decoded.
	maxResultBody = 32 << 20
)

// Workers is the view of the supervisor the proxy needs.
type Workers interface {
	HasWorker() bool
	Port() uint16
}

// Client proxies detection requests to the worker on the loopback interface.
// It is safe for concurrent use.
type Client struct {
	http    *http.Client
	host    string
	workers Workers
	store   store.Store
	logger  *slog.Logger
}

// New creates a proxy client. Requests have no timeout of their own; detection
// on large scans can take minutes and is bounded only by the caller's context.
func New(workers Workers, s store.Store, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{},
		host:    "127.0.0.1",
		workers: workers,
		store:   s,
		logger:  logger,
	}
}

// Detect forwards req to the worker and returns its result. It only checks
// that a worker is held; it does not re-verify health first. A 2xx answer with
// success=false is returned as-is with a nil error.
func (c *Client) Detect(ctx context.Context, req model.DetectionRequest) (*model.DetectionResult, error) {
	start := time.Now()
	res, status, err := c.detect(ctx, req)
	elapsed := time.Since(start)

	outcome := outcomeOf(err)
	detectionsTotal.WithLabelValues(outcome).Inc()
	// A rejected precondition never reached the worker and leaves no record.
	if outcome != model.OutcomeNotRunning {
		detectionDuration.Observe(elapsed.Seconds())
		c.audit(ctx, req, res, outcome, status, elapsed, err)
	}

	if err != nil {
		c.logger.Warn("detection failed",
			"file_path", req.FilePath,
			"outcome", outcome,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	c.logger.Info("detection completed",
		"file_path", req.FilePath,
		"fast_mode", req.FastMode,
		"success", res.Success,
		"vertebrae", len(res.Vertebrae),
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (c *Client) detect(ctx context.Context, req model.DetectionRequest) (*model.DetectionResult, int, error) {
	if !c.workers.HasWorker() {
		return nil, 0, ErrNotRunning
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("encode detection request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", c.host, c.workers.Port(), Path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, resp.StatusCode, &WorkerError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	res, err := decodeResult(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return nil, resp.StatusCode, &DecodeError{Err: err}
	}
	return res, resp.StatusCode, nil
}

// wireResult mirrors model.DetectionResult with the required fields as
// pointers so that absent ones can be told apart from zero values.
type wireResult struct {
	Success          *bool             `json:"success"`
	Vertebrae        *[]model.Vertebra `json:"vertebrae"`
	ProcessingTimeMS *float64          `json:"processing_time_ms"`
	Error            *string           `json:"error"`
}

// decodeResult reads exactly one detection result object from r.
func decodeResult(r io.Reader) (*model.DetectionResult, error) {
	dec := json.NewDecoder(r)

	var w wireResult
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("unexpected data after detection result")
	}

	var missing []string
	if w.Success == nil {
		missing = append(missing, "success")
	}
	if w.Vertebrae == nil {
		missing = append(missing, "vertebrae")
	}
	if w.ProcessingTimeMS == nil {
		missing = append(missing, "processing_time_ms")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("detection result missing %s", strings.Join(missing, ", "))
	}

	return &model.DetectionResult{
		Success:          *w.Success,
		Vertebrae:        *w.Vertebrae,
		ProcessingTimeMS: *w.ProcessingTimeMS,
		Error:            w.Error,
	}, nil
}

// audit records the call. Failures are logged and never reach the caller.
func (c *Client) audit(ctx context.Context, req model.DetectionRequest, res *model.DetectionResult, outcome string, status int, elapsed time.Duration, callErr error) {
	d := &model.Detection{
		ID:         model.NewID(),
		FilePath:   req.FilePath,
		FastMode:   req.FastMode,
		Outcome:    outcome,
		StatusCode: status,
		DurationMS: int(elapsed.Milliseconds()),
		CreatedAt:  time.Now().UTC(),
	}
	switch {
	case callErr != nil:
		d.Error = callErr.Error()
	case res != nil:
		d.Success = res.Success
		d.VertebraeCount = len(res.Vertebrae)
		d.ProcessingTimeMS = res.ProcessingTimeMS
		if res.Error != nil {
			d.Error = *res.Error
		}
	}

	if err := c.store.CreateDetection(context.WithoutCancel(ctx), d); err != nil {
		c.logger.Error("record detection", "detection_id", d.ID, "error", err)
	}
}

func outcomeOf(err error) string {
	var (
		workerErr *WorkerError
		decodeErr *DecodeError
	)
	switch {
	case err == nil:
		return model.OutcomeOK
	case errors.Is(err, ErrNotRunning):
		return model.OutcomeNotRunning
	case errors.As(err, &workerErr):
		return model.OutcomeWorker
	case errors.As(err, &decodeErr):
		return model.OutcomeDecode
	default:
		return model.OutcomeTransport
	}
}
