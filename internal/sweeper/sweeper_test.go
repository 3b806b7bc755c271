package sweeper

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exteriorp/designex/internal/store"
	"github.com/exteriorp/designex/internal/sweeper/mocks"
)

// NewTestSlogger creates a *slog.Logger that writes to a buffer.
func NewTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestSweepRemovesExpiredArtifacts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	baseDir := t.TempDir()
	for _, name := range []string{"old_original.png", "old_styled.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(baseDir, name), []byte("x"), 0644))
	}

	frozen := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	mockStore := mocks.NewMockArtifactStore(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(baseDir, time.Hour, time.Minute, mockStore, slogger)
	s.now = func() time.Time { return frozen }

	ctx := context.Background()
	expired := []store.Artifact{
		{Filename: "old_original.png", Kind: store.KindOriginal},
		{Filename: "old_styled.png", Kind: store.KindStyled},
	}
	mockStore.EXPECT().ListExpired(ctx, frozen.Add(-time.Hour), batchLimit).Return(expired, nil)
	mockStore.EXPECT().Delete(ctx, "old_original.png").Return(nil)
	mockStore.EXPECT().Delete(ctx, "old_styled.png").Return(nil)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, name := range []string{"old_original.png", "old_styled.png"} {
		_, statErr := os.Stat(filepath.Join(baseDir, name))
		assert.True(t, os.IsNotExist(statErr), "%s should be removed", name)
	}
}

func TestSweepMissingFileStillClearsLedger(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockArtifactStore(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(t.TempDir(), time.Hour, time.Minute, mockStore, slogger)

	ctx := context.Background()
	mockStore.EXPECT().ListExpired(ctx, gomock.Any(), batchLimit).
		Return([]store.Artifact{{Filename: "already_gone.png"}}, nil)
	mockStore.EXPECT().Delete(ctx, "already_gone.png").Return(nil)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSweepLedgerDeleteFailureKeepsCounting(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "a.png"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "b.png"), []byte("x"), 0644))

	mockStore := mocks.NewMockArtifactStore(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(baseDir, time.Hour, time.Minute, mockStore, slogger)

	ctx := context.Background()
	mockStore.EXPECT().ListExpired(ctx, gomock.Any(), batchLimit).
		Return([]store.Artifact{{Filename: "a.png"}, {Filename: "b.png"}}, nil)
	mockStore.EXPECT().Delete(ctx, "a.png").Return(errors.New("db locked"))
	mockStore.EXPECT().Delete(ctx, "b.png").Return(nil)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Contains(t, logBuf.String(), "failed to delete ledger row")
}

func TestSweepListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockArtifactStore(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(t.TempDir(), time.Hour, time.Minute, mockStore, slogger)

	ctx := context.Background()
	mockStore.EXPECT().ListExpired(ctx, gomock.Any(), batchLimit).Return(nil, errors.New("db gone"))

	_, err := s.Sweep(ctx)
	require.Error(t, err)
}

func TestStartDisabledWhenRetentionZero(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockArtifactStore(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(t.TempDir(), 0, time.Minute, mockStore, slogger)

	// No ListExpired expectation: the loop must never run.
	s.Start(context.Background())
	assert.Contains(t, logBuf.String(), "retention disabled")
}

func TestStartAndStopRunsInitialPass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockArtifactStore(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(t.TempDir(), time.Hour, time.Hour, mockStore, slogger)

	done := make(chan struct{})
	mockStore.EXPECT().ListExpired(gomock.Any(), gomock.Any(), batchLimit).
		DoAndReturn(func(ctx context.Context, cutoff time.Time, limit int) ([]store.Artifact, error) {
			close(done)
			return nil, nil
		})

	s.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep pass did not run")
	}
	s.Stop()
}
