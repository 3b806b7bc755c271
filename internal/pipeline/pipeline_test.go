package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exteriorp/designex/internal/runner"
	"github.com/exteriorp/designex/internal/store"
	"github.com/exteriorp/designex/internal/styles"
	"github.com/exteriorp/designex/internal/workspace"
)

const testCatalog = `{
  "windows": {
    "Modern": [
      {"color": "#FFFFFF", "texture": "matte", "material": "aluminum",
       "finish": "satin", "rating": 4.5, "keywords": ["sleek"]}
    ]
  },
  "walls": {
    "Rustic": [
      {"color": "#8B4513", "texture": "rough", "material": "timber",
       "finish": "oiled", "rating": 4.0, "keywords": ["warm", "natural"]}
    ]
  }
}`

// fakeRunner records invocations and returns canned results.
type fakeRunner struct {
	mu          sync.Mutex
	invocations []runner.Invocation
	result      runner.Result
	err         error
	// block, when non-nil, holds Run until closed.
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, inv runner.Invocation) (runner.Result, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invocations)
}

type fakeLedger struct {
	mu       sync.Mutex
	recorded []store.Artifact
}

func (f *fakeLedger) Record(ctx context.Context, a store.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, a)
	return nil
}

func newTestIndex(t *testing.T, catalog string) *styles.Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "style_library.json")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0644))
	return styles.NewIndex(path)
}

func newTestCoordinator(t *testing.T, r Runner, ledger Ledger) (*Coordinator, string) {
	t.Helper()
	outDir := t.TempDir()
	alloc, err := workspace.NewAllocator(outDir)
	require.NoError(t, err)

	c, err := New(Config{
		WorkerCommand: []string{"python3", "seg.py"},
		ModelPath:     "/models/sam.pth",
		CatalogPath:   "/config/style_library.json",
		Timeout:       time.Minute,
		MaxConcurrent: 4,
	}, newTestIndex(t, testCatalog), alloc, r, ledger)
	require.NoError(t, err)
	return c, outDir
}

func TestGenerateSuccess(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Outcome: runner.OutcomeCompleted}}
	ledger := &fakeLedger{}
	c, _ := newTestCoordinator(t, fr, ledger)

	resp, err := c.Generate(context.Background(), Request{
		Style: "Modern",
		Image: strings.NewReader("fake png bytes"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Modern", resp.Style)
	assert.Equal(t, 0.5, resp.BlendAlpha)
	assert.True(t, strings.HasPrefix(resp.OriginalImageURL, "/api/designs/images/"))
	assert.True(t, strings.HasSuffix(resp.OriginalImageURL, "_original.png"))
	assert.True(t, strings.HasSuffix(resp.StyledImageURL, "_styled.png"))
	assert.True(t, strings.HasSuffix(resp.BlendedImageURL, "_blended.png"))
	assert.NotContains(t, resp.OriginalImageURL, os.TempDir())

	// Only regions with recommendations for the chosen style appear.
	require.Len(t, resp.RegionRecommendations, 1)
	recs, ok := resp.RegionRecommendations["windows"]
	require.True(t, ok, "windows region missing")
	require.Len(t, recs, 1)
	assert.Equal(t, "aluminum", recs[0].Material)
	_, hasWalls := resp.RegionRecommendations["walls"]
	assert.False(t, hasWalls, "walls has no Modern recommendations and must be omitted")

	// One invocation carrying the workspace paths and contract fields.
	require.Equal(t, 1, fr.calls())
	inv := fr.invocations[0]
	assert.Equal(t, "Modern", inv.Style)
	assert.Equal(t, "/models/sam.pth", inv.ModelPath)
	assert.Equal(t, "/config/style_library.json", inv.CatalogPath)
	assert.Nil(t, inv.BlendAlpha)
	assert.NotEqual(t, inv.StyledPath, inv.BlendedPath)

	// Ledger saw all three artifacts.
	require.Len(t, ledger.recorded, 3)
	assert.Equal(t, store.KindOriginal, ledger.recorded[0].Kind)
	assert.NotEmpty(t, ledger.recorded[0].Checksum)
}

func TestGenerateUnknownStyleSpawnsNothing(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Outcome: runner.OutcomeCompleted}}
	c, outDir := newTestCoordinator(t, fr, nil)

	_, err := c.Generate(context.Background(), Request{
		Style: "Brutalist",
		Image: strings.NewReader("bytes"),
	})
	require.ErrorIs(t, err, ErrUnknownStyle)
	assert.Equal(t, 0, fr.calls(), "no process may be spawned for an unknown style")

	entries, rerr := os.ReadDir(outDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries, "no workspace may be allocated for an unknown style")
}

func TestGenerateInvalidBlendAlpha(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Outcome: runner.OutcomeCompleted}}
	c, _ := newTestCoordinator(t, fr, nil)

	for _, alpha := range []float64{-0.1, 1.5} {
		a := alpha
		_, err := c.Generate(context.Background(), Request{
			Style:      "Modern",
			BlendAlpha: &a,
			Image:      strings.NewReader("bytes"),
		})
		require.ErrorIs(t, err, ErrInvalidBlendAlpha)
	}
	assert.Equal(t, 0, fr.calls())
}

func TestGenerateBlendAlphaForwarded(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Outcome: runner.OutcomeCompleted}}
	c, _ := newTestCoordinator(t, fr, nil)

	alpha := 0.75
	resp, err := c.Generate(context.Background(), Request{
		Style:      "Modern",
		BlendAlpha: &alpha,
		Image:      strings.NewReader("bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.75, resp.BlendAlpha)

	require.Equal(t, 1, fr.calls())
	require.NotNil(t, fr.invocations[0].BlendAlpha)
	assert.Equal(t, 0.75, *fr.invocations[0].BlendAlpha)
}

func TestGenerateWorkerFailureKeepsOriginal(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{
		Outcome:  runner.OutcomeFailed,
		ExitCode: 2,
		Log:      []string{"traceback", "model file not found"},
	}}
	c, outDir := newTestCoordinator(t, fr, nil)

	_, err := c.Generate(context.Background(), Request{
		Style: "Modern",
		Image: strings.NewReader("payload"),
	})

	var jerr *JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, runner.OutcomeFailed, jerr.Outcome)
	assert.Equal(t, 2, jerr.ExitCode)
	assert.Equal(t, []string{"traceback", "model file not found"}, jerr.LogTail)

	// Upload persisted before the job ran; no styled/blended files.
	entries, rerr := os.ReadDir(outDir)
	require.NoError(t, rerr)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), "_original.png"))

	data, rerr := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	require.NoError(t, rerr)
	assert.Equal(t, "payload", string(data))
}

func TestGenerateTimeoutAndInterrupt(t *testing.T) {
	for _, outcome := range []runner.Outcome{runner.OutcomeTimedOut, runner.OutcomeInterrupted} {
		fr := &fakeRunner{result: runner.Result{Outcome: outcome}}
		c, _ := newTestCoordinator(t, fr, nil)

		_, err := c.Generate(context.Background(), Request{
			Style: "Modern",
			Image: strings.NewReader("bytes"),
		})

		var jerr *JobError
		require.ErrorAs(t, err, &jerr)
		assert.Equal(t, outcome, jerr.Outcome)
	}
}

func TestGenerateBusyWhenSlotsExhausted(t *testing.T) {
	block := make(chan struct{})
	fr := &fakeRunner{result: runner.Result{Outcome: runner.OutcomeCompleted}, block: block}

	alloc, err := workspace.NewAllocator(t.TempDir())
	require.NoError(t, err)
	c, err := New(Config{
		WorkerCommand: []string{"python3", "seg.py"},
		Timeout:       time.Minute,
		MaxConcurrent: 1,
	}, newTestIndex(t, testCatalog), alloc, fr, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, gerr := c.Generate(context.Background(), Request{
			Style: "Modern",
			Image: strings.NewReader("first"),
		})
		done <- gerr
	}()

	// Wait for the first request to occupy the only slot.
	require.Eventually(t, func() bool { return fr.calls() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = c.Generate(context.Background(), Request{
		Style: "Modern",
		Image: strings.NewReader("second"),
	})
	require.ErrorIs(t, err, ErrBusy)

	close(block)
	require.NoError(t, <-done)

	// Slot released; a new request is admitted again.
	fr.block = nil
	_, err = c.Generate(context.Background(), Request{
		Style: "Modern",
		Image: strings.NewReader("third"),
	})
	require.NoError(t, err)
}

func TestGenerateUploadFailure(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Outcome: runner.OutcomeCompleted}}
	c, _ := newTestCoordinator(t, fr, nil)

	_, err := c.Generate(context.Background(), Request{
		Style: "Modern",
		Image: &failingReader{},
	})

	var uerr *UploadError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 0, fr.calls())
}

type failingReader struct{}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestJobErrorMessages(t *testing.T) {
	cases := []struct {
		err  *JobError
		want string
	}{
		{&JobError{Outcome: runner.OutcomeFailed, ExitCode: 2}, "worker exited with code 2"},
		{&JobError{Outcome: runner.OutcomeTimedOut}, "worker timed out"},
		{&JobError{Outcome: runner.OutcomeInterrupted}, "worker interrupted by shutdown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}
