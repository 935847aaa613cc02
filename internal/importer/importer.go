// Package importer stages result payloads from JSON files and replays them
// against a running gateway, pacing and retrying submissions the way the
// result service expects from bulk feeds.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tallywire/tallywire/errs"
	"github.com/tallywire/tallywire/internal/observability"
	"github.com/tallywire/tallywire/internal/schema"
	"github.com/tallywire/tallywire/lib/async"
)

// ItemStatus classifies the outcome of one staged submission.
type ItemStatus string

const (
	// StatusCreated marks a submission stored as a new record.
	StatusCreated ItemStatus = "created"
	// StatusOverridden marks a submission that replaced an existing record.
	StatusOverridden ItemStatus = "overridden"
	// StatusInvalid marks a submission the gateway rejected.
	StatusInvalid ItemStatus = "invalid"
	// StatusFailed marks a submission that never got a verdict.
	StatusFailed ItemStatus = "failed"
)

// Item is one staged submission, or a staging failure when Err is set.
type Item struct {
	Source     string
	Index      int
	Submission *schema.Submission
	Err        error
}

// ItemResult records the verdict for one staged item.
type ItemResult struct {
	Source string     `json:"source"`
	Index  int        `json:"index"`
	PDCode string     `json:"pd_code,omitempty"`
	Status ItemStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Report aggregates per-item verdicts for a bulk run.
type Report struct {
	Created    int          `json:"created"`
	Overridden int          `json:"overridden"`
	Invalid    int          `json:"invalid"`
	Failed     int          `json:"failed"`
	Items      []ItemResult `json:"items"`
}

// Config tunes the importer's pacing and retry behaviour.
type Config struct {
	Endpoint    string
	Workers     int
	QueueDepth  int
	RatePerSec  float64
	Burst       int
	MaxAttempts int
	Timeout     time.Duration
}

// Importer replays staged submissions against the gateway's results endpoint.
type Importer struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New builds an importer, applying defaults for unset tunables.
func New(cfg Config) (*Importer, error) {
	if cfg.Endpoint == "" {
		return nil, errs.New("importer", errs.CodeInvalid, errs.WithMessage("endpoint required"))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 2
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Importer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}, nil
}

// Stage reads every *.json file under dir, in name order, and parses each
// into staged submissions. A file may hold a single payload object or an
// array of payloads. Parse failures become items carrying the error so the
// run report accounts for them instead of aborting the batch.
func (imp *Importer) Stage(dir string) ([]Item, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, errs.New("importer", errs.CodeNotFound, errs.WithMessage("no .json files in "+dir))
	}
	sort.Strings(paths)

	var items []Item
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			items = append(items, Item{
				Source: path,
				Err:    errs.New("importer", errs.CodeParse, errs.WithMessage("read "+path), errs.WithCause(err)),
			})
			continue
		}
		items = append(items, stageFile(path, data)...)
	}
	return items, nil
}

func stageFile(path string, data []byte) []Item {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []*schema.Submission
		if err := json.Unmarshal(data, &batch); err != nil {
			return []Item{{
				Source: path,
				Err:    errs.New("importer", errs.CodeParse, errs.WithMessage("parse "+path), errs.WithCause(err)),
			}}
		}
		items := make([]Item, 0, len(batch))
		for i, sub := range batch {
			items = append(items, Item{Source: path, Index: i, Submission: sub})
		}
		return items
	}

	var single schema.Submission
	if err := json.Unmarshal(data, &single); err != nil {
		return []Item{{
			Source: path,
			Err:    errs.New("importer", errs.CodeParse, errs.WithMessage("parse "+path), errs.WithCause(err)),
		}}
	}
	return []Item{{Source: path, Submission: &single}}
}

// Run submits every staged item through the worker pool and returns the
// per-item report. Item order in the report matches staging order.
func (imp *Importer) Run(ctx context.Context, items []Item) (*Report, error) {
	pool, err := async.NewPool(imp.cfg.Workers, imp.cfg.QueueDepth)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, len(items))
	var mu sync.Mutex
	var pending sync.WaitGroup

	for i, item := range items {
		i, item := i, item
		pending.Add(1)
		err := pool.SubmitWait(ctx, func(taskCtx context.Context) error {
			defer pending.Done()
			verdict := imp.process(taskCtx, item)
			mu.Lock()
			results[i] = verdict
			mu.Unlock()
			return nil
		})
		if err != nil {
			pending.Done()
			mu.Lock()
			results[i] = ItemResult{
				Source: item.Source,
				Index:  item.Index,
				PDCode: pdCode(item),
				Status: StatusFailed,
				Detail: err.Error(),
			}
			mu.Unlock()
		}
	}

	// Drain our own ledger before closing the pool so queued tasks are never
	// abandoned by worker cancellation.
	pending.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		return nil, fmt.Errorf("drain import pool: %w", err)
	}

	report := &Report{Items: results}
	for _, r := range results {
		switch r.Status {
		case StatusCreated:
			report.Created++
		case StatusOverridden:
			report.Overridden++
		case StatusInvalid:
			report.Invalid++
		default:
			report.Failed++
		}
	}
	return report, nil
}

func (imp *Importer) process(ctx context.Context, item Item) ItemResult {
	result := ItemResult{Source: item.Source, Index: item.Index, PDCode: pdCode(item)}
	if item.Err != nil {
		result.Status = StatusInvalid
		result.Detail = item.Err.Error()
		return result
	}

	status, detail, err := imp.submit(ctx, item.Submission)
	switch {
	case err != nil:
		result.Status = StatusFailed
		result.Detail = err.Error()
	case status == http.StatusCreated:
		result.Status = StatusCreated
	case status == http.StatusOK:
		result.Status = StatusOverridden
	case status == http.StatusBadRequest:
		result.Status = StatusInvalid
		result.Detail = detail
	default:
		result.Status = StatusFailed
		result.Detail = fmt.Sprintf("unexpected status %d: %s", status, detail)
	}
	return result
}

// submit posts one payload, retrying transport errors and 5xx verdicts with
// exponential backoff up to MaxAttempts. 2xx and 4xx verdicts are final.
func (imp *Importer) submit(ctx context.Context, sub *schema.Submission) (int, string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return 0, "", fmt.Errorf("encode submission: %w", err)
	}

	backoffCfg := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 1; attempt <= imp.cfg.MaxAttempts; attempt++ {
		if err := imp.limiter.Wait(ctx); err != nil {
			return 0, "", fmt.Errorf("rate limit wait: %w", err)
		}

		status, detail, err := imp.post(ctx, body)
		if err == nil && status < http.StatusInternalServerError {
			return status, detail, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("gateway returned %d: %s", status, detail)
		} else {
			lastErr = err
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return 0, "", lastErr
		}
		observability.Log().Debug("import: submission attempt failed",
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "error", Value: lastErr.Error()})

		if attempt == imp.cfg.MaxAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-time.After(sleep):
		}
	}
	return 0, "", fmt.Errorf("exhausted %d attempts: %w", imp.cfg.MaxAttempts, lastErr)
}

func (imp *Importer) post(ctx context.Context, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, imp.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := imp.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post %s: %w", imp.cfg.Endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	detail := ""
	if resp.StatusCode >= http.StatusBadRequest {
		detail = decodeErrorDetail(resp.Body)
	}
	return resp.StatusCode, detail, nil
}

func decodeErrorDetail(body io.Reader) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&envelope); err != nil {
		return ""
	}
	return envelope.Error
}

func pdCode(item Item) string {
	if item.Submission == nil {
		return ""
	}
	return item.Submission.PDCode
}
