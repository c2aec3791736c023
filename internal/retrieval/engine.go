// Package retrieval downloads batches of URLs to disk with bounded
// concurrency, content-type validation and round-based retries.
package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// Options configures an Engine.
type Options struct {
	Concurrency int           // parallel workers per round
	MaxRounds   int           // total attempts per request
	BackoffBase time.Duration // delay before the first retry round
	BackoffMax  time.Duration // upper bound on the delay
	Exhaustion  domain.ExhaustionPolicy
	Overwrite   bool     // fetch even when the destination exists
	UserAgents  []string // rotated per request; defaults to DefaultUserAgents
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency: 4,
		MaxRounds:   3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		Exhaustion:  domain.ExhaustionSoft,
	}
}

// Engine fetches RetrievalRequests.
type Engine struct {
	client  *http.Client
	metrics output.MetricsCollector
	logger  *slog.Logger
	opts    Options

	agents []string
	next   atomic.Uint64

	// sleep waits between rounds; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new retrieval engine.
func NewEngine(client *http.Client, metrics output.MetricsCollector, logger *slog.Logger, opts Options) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	defaults := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaults.MaxRounds
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaults.BackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.Exhaustion == "" {
		opts.Exhaustion = domain.ExhaustionSoft
	}
	agents := opts.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}

	return &Engine{
		client:  client,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
		agents:  agents,
		sleep:   sleepContext,
	}
}

// Backoff returns the delay before retry round (1-based): min(base*2^(round-1), max).
func Backoff(round int, base, max time.Duration) time.Duration {
	if round < 1 {
		return 0
	}
	d := base
	for i := 1; i < round; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Retrieve fetches every request whose destination is missing. Failures are
// logged; under the hard exhaustion policy requests still failing after the
// last round produce a *domain.RetryBudgetExhaustedError.
func (e *Engine) Retrieve(ctx context.Context, requests []domain.RetrievalRequest) (domain.RetrievalSummary, error) {
	summary := domain.RetrievalSummary{Requested: len(requests)}
	if len(requests) == 0 {
		return summary, nil
	}

	pending := make([]domain.RetrievalRequest, 0, len(requests))
	for _, r := range requests {
		if !e.opts.Overwrite && present(r.Destination) {
			summary.Skipped++
			e.metrics.IncRetrievalOutcome(domain.OutcomeSkipped.String())
			continue
		}
		pending = append(pending, r)
	}

	if err := prepareDirs(pending); err != nil {
		return summary, err
	}

	for round := 1; len(pending) > 0 && round <= e.opts.MaxRounds; round++ {
		if round > 1 {
			delay := Backoff(round-1, e.opts.BackoffBase, e.opts.BackoffMax)
			e.logger.Info("retrying failed requests",
				"round", round,
				"max_rounds", e.opts.MaxRounds,
				"count", len(pending),
				"delay", delay,
			)
			if err := e.sleep(ctx, delay); err != nil {
				summary.Failed += len(pending)
				return summary, err
			}
		}

		e.logger.Info("requesting resources",
			"count", len(pending),
			"round", round,
			"max_rounds", e.opts.MaxRounds,
		)
		summary.Rounds = round
		e.metrics.IncRetrievalRounds()

		outcomes, err := e.runRound(ctx, pending)
		if err != nil {
			summary.Failed += len(pending)
			return summary, err
		}

		var retry []domain.RetrievalRequest
		for _, o := range outcomes {
			e.metrics.IncRetrievalOutcome(o.Kind.String())
			switch o.Kind {
			case domain.OutcomeSuccess:
				summary.Fetched++
			case domain.OutcomeContentTypeMismatch, domain.OutcomeRejected:
				summary.Rejected++
				e.logger.Warn("request rejected", "url", o.Request.URL, "error", o.Err)
			case domain.OutcomeTransientFailure:
				retry = append(retry, o.Request)
				e.logger.Debug("request failed", "url", o.Request.URL, "error", o.Err)
			}
		}
		if len(retry) > 0 {
			e.logger.Info("requests failed in round",
				"failed", len(retry),
				"total", len(requests),
				"round", round,
			)
		}
		pending = retry
	}

	summary.Failed = len(pending)
	e.logger.Info("retrieval complete",
		"requested", summary.Requested,
		"skipped", summary.Skipped,
		"fetched", summary.Fetched,
		"rejected", summary.Rejected,
		"failed", summary.Failed,
		"rounds", summary.Rounds,
	)

	if len(pending) > 0 {
		for _, r := range pending {
			e.logger.Warn("request exhausted retries", "url", r.URL, "destination", r.Destination)
		}
		if e.opts.Exhaustion == domain.ExhaustionHard {
			return summary, &domain.RetryBudgetExhaustedError{Failed: len(pending), Rounds: summary.Rounds}
		}
	}
	return summary, nil
}

// runRound executes one round with a fixed worker pool. Each worker keeps its
// own outcome list; lists are merged once every worker has finished.
func (e *Engine) runRound(ctx context.Context, pending []domain.RetrievalRequest) ([]domain.RetrievalOutcome, error) {
	workers := e.opts.Concurrency
	if workers > len(pending) {
		workers = len(pending)
	}

	jobs := make(chan domain.RetrievalRequest)
	perWorker := make([][]domain.RetrievalOutcome, workers)
	var done atomic.Int64
	total := int64(len(pending))
	step := (total + 9) / 10

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, r := range pending {
			select {
			case jobs <- r:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			for r := range jobs {
				perWorker[i] = append(perWorker[i], e.fetch(gctx, r))
				n := done.Add(1)
				if remaining := total - n; remaining < 10 || n%step == 0 {
					e.logger.Info("retrieval progress", "remaining", remaining)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outcomes := make([]domain.RetrievalOutcome, 0, len(pending))
	for _, list := range perWorker {
		outcomes = append(outcomes, list...)
	}
	return outcomes, nil
}

func (e *Engine) fetch(ctx context.Context, r domain.RetrievalRequest) domain.RetrievalOutcome {
	out := domain.RetrievalOutcome{Request: r}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		out.Kind = domain.OutcomeRejected
		out.Err = &domain.ConfigurationError{Field: "url", Message: "invalid request url", Err: err}
		return out
	}
	req.Header.Set("User-Agent", e.userAgent())

	e.logger.Debug("requesting", "url", r.URL, "destination", r.Destination)
	resp, err := e.client.Do(req)
	if err != nil {
		out.Kind = domain.OutcomeTransientFailure
		out.Err = &domain.TransientNetworkError{URL: r.URL, Err: err}
		return out
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			out.Kind = domain.OutcomeTransientFailure
			out.Err = &domain.TransientNetworkError{URL: r.URL, StatusCode: resp.StatusCode}
			return out
		}
		out.Kind = domain.OutcomeRejected
		out.Err = fmt.Errorf("unexpected status %d for %s", resp.StatusCode, r.URL)
		return out
	}

	declared := resp.Header.Get("Content-Type")
	if declared != "" && !MatchesType(declared, r.ExpectedType) {
		_, _ = io.Copy(io.Discard, resp.Body)
		out.Kind = domain.OutcomeContentTypeMismatch
		out.Err = &domain.ContentTypeMismatchError{URL: r.URL, Expected: r.ExpectedType, Actual: declared}
		return out
	}

	var body io.Reader = resp.Body
	if declared == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(resp.Body, head)
		head = head[:n]
		e.logger.Info("cannot determine response type, may not be the desired response",
			"url", r.URL,
			"sniffed", http.DetectContentType(head),
		)
		body = io.MultiReader(bytes.NewReader(head), resp.Body)
	}

	if err := writeAtomic(r.Destination, body); err != nil {
		var readErr *bodyReadError
		if errors.As(err, &readErr) {
			out.Kind = domain.OutcomeTransientFailure
			out.Err = &domain.TransientNetworkError{URL: r.URL, Err: readErr.err}
			return out
		}
		out.Kind = domain.OutcomeRejected
		out.Err = err
		return out
	}

	out.Kind = domain.OutcomeSuccess
	return out
}

// CheckExists issues a HEAD request for every URL and returns those not
// answering 200.
func (e *Engine) CheckExists(ctx context.Context, requests []domain.ExistsCheckRequest) ([]string, error) {
	e.logger.Info("issuing HEAD requests", "count", len(requests))
	var missing []string
	for i, r := range requests {
		if i > 0 && i%1000 == 0 {
			e.logger.Info("exists check progress", "checked", i)
		}
		if err := ctx.Err(); err != nil {
			return missing, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.URL, nil)
		if err != nil {
			return missing, &domain.ConfigurationError{Field: "url", Message: "invalid request url", Err: err}
		}
		req.Header.Set("User-Agent", e.userAgent())
		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Warn("resource does not exist", "url", r.URL, "error", err)
			missing = append(missing, r.URL)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			e.logger.Warn("resource does not exist", "url", r.URL, "status", resp.StatusCode)
			missing = append(missing, r.URL)
		}
	}
	e.logger.Info("exists check complete", "checked", len(requests), "missing", len(missing))
	return missing, nil
}

func (e *Engine) userAgent() string {
	n := e.next.Add(1) - 1
	return e.agents[n%uint64(len(e.agents))]
}

// MatchesType reports whether a declared Content-Type starts with the expected
// prefix, ignoring case and parameters.
func MatchesType(declared, expected string) bool {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mediaType, _, _ = strings.Cut(declared, ";")
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	expected = strings.ToLower(strings.TrimSpace(expected))
	if e, _, ok := strings.Cut(expected, ";"); ok {
		expected = strings.TrimSpace(e)
	}
	return strings.HasPrefix(mediaType, expected)
}

// present reports whether path exists with non-zero size.
func present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// prepareDirs creates every destination directory before workers start.
func prepareDirs(requests []domain.RetrievalRequest) error {
	seen := make(map[string]struct{})
	for _, r := range requests {
		dir := filepath.Dir(r.Destination)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// errEmptyBody is reported for a successful response with no content. It is
// retried like a broken download.
var errEmptyBody = errors.New("empty response body")

type bodyReadError struct{ err error }

func (e *bodyReadError) Error() string { return e.err.Error() }

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// writeAtomic streams body into a temp file beside dest and renames it into
// place, so a destination that exists is always complete.
func writeAtomic(dest string, body io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", dest, err)
	}
	tmpName := tmp.Name()

	src := &trackingReader{r: body}
	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if src.err != nil {
			return &bodyReadError{err: src.err}
		}
		if copyErr != nil {
			return fmt.Errorf("writing %s: %w", dest, copyErr)
		}
		return fmt.Errorf("closing %s: %w", dest, closeErr)
	}
	if n == 0 {
		os.Remove(tmpName)
		return &bodyReadError{err: errEmptyBody}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", dest, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
