package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/voxdeck/internal/storage"
)

type recordingImporter struct {
	mu    sync.Mutex
	paths []string
	srcs  []string
	fail  int
}

func (r *recordingImporter) Import(_ context.Context, path, _, source string) (storage.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return storage.Run{}, errors.New("upload dir full")
	}
	r.paths = append(r.paths, filepath.Base(path))
	r.srcs = append(r.srcs, source)
	return storage.Run{ID: "run-" + filepath.Base(path)}, nil
}

func (r *recordingImporter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestWatcher_SubmitsAudioOnce(t *testing.T) {
	dir := t.TempDir()
	imp := &recordingImporter{}
	w, err := New(dir, imp, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	p := filepath.Join(dir, "memo.ogg")
	os.WriteFile(p, []byte("OggS"), 0o644)
	f, _ := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write([]byte(" more"))
	f.Close()
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	deadline := time.Now().Add(3 * time.Second)
	for len(imp.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give a duplicate submission a chance to show up.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	got := imp.snapshot()
	if len(got) != 1 || got[0] != "memo.ogg" {
		t.Fatalf("imported = %v, want [memo.ogg]", got)
	}
	if imp.srcs[0] != storage.SourceInbox {
		t.Errorf("source = %q", imp.srcs[0])
	}
}

func TestIsAudioFile(t *testing.T) {
	tests := map[string]bool{
		"a.ogg":        true,
		"A.MP3":        true,
		"x/y/clip.m4a": true,
		"a.txt":        false,
		".hidden.ogg":  false,
		"a.ogg.part":   false,
		"noext":        false,
	}
	for in, want := range tests {
		if got := IsAudioFile(in); got != want {
			t.Errorf("IsAudioFile(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_MissingDirIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	w, err := New(dir, &recordingImporter{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.watcher.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("inbox dir not created: %v", err)
	}
	if w.settle != defaultSettle {
		t.Errorf("settle = %v", w.settle)
	}
}

func newIdleWatcher(t *testing.T, imp Importer) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(dir, imp, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })
	return w, dir
}

func (w *Watcher) importedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.imported)
}

func TestWatcher_EmptyFileRetriedAfterWrite(t *testing.T) {
	imp := &recordingImporter{}
	w, dir := newIdleWatcher(t, imp)
	ctx := context.Background()

	p := filepath.Join(dir, "memo.ogg")
	os.WriteFile(p, nil, 0o644)
	w.submit(ctx, p)
	if got := imp.snapshot(); len(got) != 0 {
		t.Fatalf("empty file imported: %v", got)
	}
	if w.importedCount() != 0 {
		t.Fatal("empty file recorded as imported")
	}

	os.WriteFile(p, []byte("OggS"), 0o644)
	w.submit(ctx, p)
	w.submit(ctx, p)
	if got := imp.snapshot(); len(got) != 1 {
		t.Fatalf("imported = %v, want one import after the write", got)
	}
}

func TestWatcher_FailedImportIsRetried(t *testing.T) {
	imp := &recordingImporter{fail: 1}
	w, dir := newIdleWatcher(t, imp)
	ctx := context.Background()

	p := filepath.Join(dir, "memo.mp3")
	os.WriteFile(p, []byte("ID3"), 0o644)
	w.submit(ctx, p)
	if w.importedCount() != 0 {
		t.Fatal("failed import recorded")
	}
	w.submit(ctx, p)
	if got := imp.snapshot(); len(got) != 1 || got[0] != "memo.mp3" {
		t.Fatalf("imported = %v, want [memo.mp3]", got)
	}
}

func TestWatcher_ChangedContentIsImportedAgain(t *testing.T) {
	imp := &recordingImporter{}
	w, dir := newIdleWatcher(t, imp)
	ctx := context.Background()

	p := filepath.Join(dir, "memo.ogg")
	os.WriteFile(p, []byte("OggS"), 0o644)
	w.submit(ctx, p)
	os.WriteFile(p, []byte("OggS second take"), 0o644)
	w.submit(ctx, p)
	if got := imp.snapshot(); len(got) != 2 {
		t.Fatalf("imported = %v, want two imports", got)
	}
}

func TestWatcher_ForgetsRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	imp := &recordingImporter{}
	w, err := New(dir, imp, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor := func(cond func() bool, what string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	p := filepath.Join(dir, "memo.ogg")
	os.WriteFile(p, []byte("OggS"), 0o644)
	waitFor(func() bool { return w.importedCount() == 1 }, "import")

	os.Remove(p)
	waitFor(func() bool { return w.importedCount() == 0 }, "eviction")
}
