package taskstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/pipeline"
	"github.com/jerroldneal/kokorod/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenWithoutArchivePath(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.HistoryConfig{}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	task := pipeline.NewTask("nothing sticks", voice.Default, 1.0)
	if err := s.Append(ctx, task); err != nil {
		t.Fatalf("append: %v", err)
	}
	recent, err := s.Recent(ctx, 10)
	if err != nil || recent != nil {
		t.Fatalf("stateless store should return nothing, got %v, %v", recent, err)
	}
}

func TestAppendRecallAndOutcome(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{ArchivePath: filepath.Join(tmp, "history.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open task archive: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	earlier := pipeline.NewTask("spoken first", voice.Default, 1.0)
	earlier.EnqueuedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	later := pipeline.NewTask("spoken second", "am_adam", 1.2)
	later.EnqueuedAt = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	later.OutputMode = "mp3"
	later.OutputPath = "/tmp/out.mp3"
	later.AnnounceOnComplete = true

	if err := s.Append(context.Background(), earlier); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(context.Background(), later); err != nil {
		t.Fatalf("append: %v", err)
	}

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(recent))
	}
	if recent[0].ID != later.ID || recent[1].ID != earlier.ID {
		t.Fatalf("recent should be newest first")
	}

	found, err := s.Find(context.Background(), later.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.Text != "spoken second" || found.Voice != "am_adam" {
		t.Fatalf("unexpected task: %+v", found)
	}
	if found.OutputMode != "mp3" || found.OutputPath != "/tmp/out.mp3" || !found.AnnounceOnComplete {
		t.Fatalf("output fields lost: %+v", found)
	}

	missing, err := s.Find(context.Background(), "no-such-task")
	if err != nil || missing != nil {
		t.Fatalf("missing task should be (nil, nil), got %v, %v", missing, err)
	}

	if err := s.SetOutcome(context.Background(), later.ID, false, "synthesis failed"); err != nil {
		t.Fatalf("set outcome: %v", err)
	}
	var outcome, detail string
	row := s.db.QueryRowContext(context.Background(),
		`SELECT outcome, detail FROM tasks WHERE task_id = ?`, later.ID)
	if err := row.Scan(&outcome, &detail); err != nil {
		t.Fatalf("scan outcome: %v", err)
	}
	if outcome != "failed" || detail != "synthesis failed" {
		t.Fatalf("outcome = %q/%q", outcome, detail)
	}
}

func TestPruneByDaysAndEntries(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{
		ArchivePath:   filepath.Join(tmp, "history.db"),
		RetentionDays: 1,
		MaxEntries:    1,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open task archive: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	stale := pipeline.NewTask("stale", voice.Default, 1.0)
	stale.EnqueuedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := pipeline.NewTask("fresh", voice.Default, 1.0)
	fresh.EnqueuedAt = time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	if err := s.Append(context.Background(), stale); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(context.Background(), fresh); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh task, got %+v", recent)
	}
}
