package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func testEntries() []*types.DLQEntry {
	return []*types.DLQEntry{
		{
			JobID:      "j1",
			Name:       "doomed-import",
			FinalError: "connection refused",
			Attempts: []types.AttemptRecord{
				{Attempt: 0, WorkerID: "w1", StartedAt: 100, FinishedAt: 200, Error: "connection refused"},
			},
			EnteredAt: 300,
		},
		{JobID: "j2", Name: "doomed-export", FinalError: "timeout", EnteredAt: 400},
	}
}

func TestWriteAndLoad(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	path, err := w.Write(testEntries(), now)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	bundle, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bundle.SchemaVer != schemaVersion {
		t.Errorf("schema: got %d, want %d", bundle.SchemaVer, schemaVersion)
	}
	if bundle.ArchivedAt != now.UnixMilli() {
		t.Errorf("archived at: got %d, want %d", bundle.ArchivedAt, now.UnixMilli())
	}
	if len(bundle.Entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(bundle.Entries))
	}
	if bundle.Entries[0].JobID != "j1" || len(bundle.Entries[0].Attempts) != 1 {
		t.Errorf("entry content lost: %+v", bundle.Entries[0])
	}
}

func TestTimestampedFilenames(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	p1, err := w.Write(testEntries(), time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("write 1: %v", err)
	}
	p2, err := w.Write(testEntries(), time.Date(2026, 8, 24, 12, 0, 1, 0, time.UTC))
	if err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if p1 == p2 {
		t.Errorf("distinct write times produced the same path: %s", p1)
	}

	files, err := w.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("list: got %d files, want 2", len(files))
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.Write(testEntries(), time.Now()); err != nil {
		t.Fatalf("write: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestLoadCorruptedArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dlq-broken.json.gz")
	if err := os.WriteFile(path, []byte("this is not gzip"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrCorruptedArchive) {
		t.Errorf("expected ErrCorruptedArchive, got %v", err)
	}
}
