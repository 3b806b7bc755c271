package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/exteriorp/designex/internal/log"
	"github.com/exteriorp/designex/internal/runner"
	"github.com/exteriorp/designex/internal/store"
	"github.com/exteriorp/designex/internal/styles"
	"github.com/exteriorp/designex/internal/workspace"
)

// imageURLPrefix is the client-facing locator prefix for generated
// artifacts. Raw filesystem paths never leave the service.
const imageURLPrefix = "/api/designs/images/"

// defaultBlendAlpha mirrors the worker's own default so the response can
// report the effective value even when the client omitted it.
const defaultBlendAlpha = 0.5

// logTailLines bounds the worker log excerpt carried by JobError.
const logTailLines = 20

// Sentinel errors surfaced as client input failures.
var (
	ErrUnknownStyle      = errors.New("style not found in catalog")
	ErrInvalidBlendAlpha = errors.New("blend alpha must be within [0.0, 1.0]")
	ErrBusy              = errors.New("all worker slots are in use")
)

// UploadError reports a failure to persist the uploaded image.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("persist upload: %v", e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }

// JobError reports a worker execution that did not complete. Outcome is
// never OutcomeCompleted. ExitCode is meaningful only for OutcomeFailed.
type JobError struct {
	Outcome  runner.Outcome
	ExitCode int
	// LogTail holds the last lines of the worker's combined output,
	// for server-side diagnostics only.
	LogTail []string
}

func (e *JobError) Error() string {
	switch e.Outcome {
	case runner.OutcomeFailed:
		return fmt.Sprintf("worker exited with code %d", e.ExitCode)
	case runner.OutcomeTimedOut:
		return "worker timed out"
	case runner.OutcomeInterrupted:
		return "worker interrupted by shutdown"
	default:
		return fmt.Sprintf("worker outcome %s", e.Outcome)
	}
}

// Request is one design generation request.
type Request struct {
	Style string
	// BlendAlpha is nil when the client omitted it; the worker then
	// applies its own default.
	BlendAlpha *float64
	// Image supplies the uploaded image bytes.
	Image io.Reader
}

// Response is the successful result of one design generation.
type Response struct {
	RequestID             string                             `json:"request_id"`
	OriginalImageURL      string                             `json:"original_image_url"`
	StyledImageURL        string                             `json:"styled_image_url"`
	BlendedImageURL       string                             `json:"blended_image_url"`
	Style                 string                             `json:"style"`
	BlendAlpha            float64                            `json:"blend_alpha"`
	RegionRecommendations map[string][]styles.Recommendation `json:"region_recommendations"`
}

// Runner abstracts the external worker so the coordinator can be tested
// without spawning processes.
type Runner interface {
	Run(ctx context.Context, inv runner.Invocation) (runner.Result, error)
}

// Ledger records generated artifacts for later retention sweeps.
type Ledger interface {
	Record(ctx context.Context, a store.Artifact) error
}

// Config carries the static inputs a Coordinator needs.
type Config struct {
	WorkerCommand []string
	ModelPath     string
	CatalogPath   string
	Timeout       time.Duration
	// MaxConcurrent caps simultaneous worker executions. Requests
	// beyond the cap fail with ErrBusy rather than queueing.
	MaxConcurrent int
}

// Coordinator drives one request through validate, allocate, persist,
// execute and assemble. Safe for concurrent use.
type Coordinator struct {
	cfg    Config
	index  *styles.Index
	alloc  *workspace.Allocator
	runner Runner
	ledger Ledger
	sem    chan struct{}
	logger *slog.Logger
}

// New builds a Coordinator. ledger may be nil when artifact bookkeeping
// is disabled.
func New(cfg Config, index *styles.Index, alloc *workspace.Allocator, r Runner, ledger Ledger) (*Coordinator, error) {
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max_concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	return &Coordinator{
		cfg:    cfg,
		index:  index,
		alloc:  alloc,
		runner: r,
		ledger: ledger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: log.WithComponent("pipeline"),
	}, nil
}

// Generate runs the full pipeline for one request. The style is checked
// before any filesystem or process work happens.
func (c *Coordinator) Generate(ctx context.Context, req Request) (*Response, error) {
	if !c.index.StyleExists(req.Style) {
		return nil, ErrUnknownStyle
	}
	if req.BlendAlpha != nil && (*req.BlendAlpha < 0 || *req.BlendAlpha > 1) {
		return nil, ErrInvalidBlendAlpha
	}

	select {
	case c.sem <- struct{}{}:
	default:
		c.logger.Warn("request rejected, all worker slots in use", "style", req.Style)
		return nil, ErrBusy
	}
	defer func() { <-c.sem }()

	ws, err := c.alloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	logger := log.WithRequest(ws.ID).With("component", "pipeline", "style", req.Style)

	size, checksum, err := c.alloc.PersistUpload(ws, req.Image)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	logger.Info("upload persisted", "bytes", size, "checksum", checksum)
	c.record(ctx, logger, ws, store.KindOriginal, ws.OriginalPath, checksum, size)

	inv := runner.Invocation{
		Command:     c.cfg.WorkerCommand,
		InputPath:   ws.OriginalPath,
		StyledPath:  ws.StyledPath,
		BlendedPath: ws.BlendedPath,
		Style:       req.Style,
		ModelPath:   c.cfg.ModelPath,
		CatalogPath: c.cfg.CatalogPath,
		BlendAlpha:  req.BlendAlpha,
		Timeout:     c.cfg.Timeout,
	}

	res, err := c.runner.Run(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	if res.Outcome != runner.OutcomeCompleted {
		jerr := &JobError{Outcome: res.Outcome, ExitCode: res.ExitCode, LogTail: tail(res.Log, logTailLines)}
		logger.Error("worker did not complete", "outcome", string(res.Outcome), "exit_code", res.ExitCode)
		return nil, jerr
	}
	logger.Info("worker completed", "log_lines", len(res.Log))

	c.record(ctx, logger, ws, store.KindStyled, ws.StyledPath, "", 0)
	c.record(ctx, logger, ws, store.KindBlended, ws.BlendedPath, "", 0)

	alpha := defaultBlendAlpha
	if req.BlendAlpha != nil {
		alpha = *req.BlendAlpha
	}

	recs := make(map[string][]styles.Recommendation)
	for _, region := range c.index.AllRegionTypes() {
		if rs := c.index.RecommendationsFor(region, req.Style); len(rs) > 0 {
			recs[region] = rs
		}
	}

	return &Response{
		RequestID:             ws.ID,
		OriginalImageURL:      imageURLPrefix + filepath.Base(ws.OriginalPath),
		StyledImageURL:        imageURLPrefix + filepath.Base(ws.StyledPath),
		BlendedImageURL:       imageURLPrefix + filepath.Base(ws.BlendedPath),
		Style:                 req.Style,
		BlendAlpha:            alpha,
		RegionRecommendations: recs,
	}, nil
}

// record writes one ledger row. Ledger failures are logged and do not
// fail the request.
func (c *Coordinator) record(ctx context.Context, logger *slog.Logger, ws workspace.Workspace, kind, path, checksum string, size int64) {
	if c.ledger == nil {
		return
	}
	a := store.Artifact{
		Filename:  filepath.Base(path),
		RequestID: ws.ID,
		Kind:      kind,
		Checksum:  checksum,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}
	if err := c.ledger.Record(ctx, a); err != nil {
		logger.Warn("artifact ledger record failed", "filename", a.Filename, "error", err)
	}
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
