package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/voxdeck/internal/storage"
)

func TestSubmitter_Save(t *testing.T) {
	store := openTestStore(t)
	dir := filepath.Join(t.TempDir(), "uploads")
	s := NewSubmitter(store, dir)

	run, err := s.Save(context.Background(), strings.NewReader("OggS"), "memo.OGG", "", storage.SourceWeb)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, run.ID+".ogg"); run.InputAudioPath != want {
		t.Errorf("path = %q, want %q", run.InputAudioPath, want)
	}
	b, err := os.ReadFile(run.InputAudioPath)
	if err != nil || string(b) != "OggS" {
		t.Errorf("saved content = %q, %v", b, err)
	}

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != storage.StatusPending || got.Source != storage.SourceWeb {
		t.Errorf("run = %+v", got)
	}
}

func TestSubmitter_ImportAndEnqueue(t *testing.T) {
	store := openTestStore(t)
	s := NewSubmitter(store, t.TempDir())

	src := filepath.Join(t.TempDir(), "talk.m4a")
	os.WriteFile(src, []byte("audio"), 0o644)

	run, err := s.Import(context.Background(), src, "", storage.SourceInbox)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if filepath.Dir(run.InputAudioPath) != s.UploadDir() || filepath.Ext(run.InputAudioPath) != ".m4a" {
		t.Errorf("path = %q", run.InputAudioPath)
	}

	run2, err := s.Enqueue(context.Background(), src, "1555", storage.SourceWhatsApp)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if run2.InputAudioPath != src || run2.Recipient != "1555" {
		t.Errorf("run = %+v", run2)
	}

	if _, err := s.Import(context.Background(), filepath.Join(t.TempDir(), "missing.ogg"), "", storage.SourceCLI); err == nil {
		t.Error("expected error for missing file")
	}
}

type failingCreator struct{}

func (failingCreator) CreateRun(context.Context, storage.Run) error { return errors.New("readonly") }

func TestSubmitter_CreateFails(t *testing.T) {
	s := NewSubmitter(failingCreator{}, t.TempDir())
	if _, err := s.Enqueue(context.Background(), "/x.ogg", "", storage.SourceCLI); err == nil {
		t.Fatal("expected error")
	}
}

func TestSafeExt(t *testing.T) {
	tests := map[string]string{
		"a.ogg":               ".ogg",
		"A.MP3":               ".mp3",
		"noext":               "",
		"../../etc.sh;x":      "",
		"x.verylongextension": "",
		"dir/clip.wav":        ".wav",
	}
	for in, want := range tests {
		if got := safeExt(in); got != want {
			t.Errorf("safeExt(%q) = %q, want %q", in, got, want)
		}
	}
}
