package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/voxdeck/internal/deck"
)

const lionsJSON = `{"title":"Lions","slides":[{"title":"Intro","bullet_points":["Lions are apex predators"],"speaker_notes":"say hi"}]}`

type reply struct {
	text string
	err  error
}

// mockBackend implements Backend for testing.
type mockBackend struct {
	uploadErr   error
	uploadState FileState
	states      []FileState // returned by successive GetFile calls
	replies     map[string]reply
	models      []string
	listErr     error

	uploads  int
	getFiles int
	calls    []string
}

func (m *mockBackend) UploadAudio(ctx context.Context, path string) (UploadedFile, error) {
	m.uploads++
	if m.uploadErr != nil {
		return UploadedFile{}, m.uploadErr
	}
	state := m.uploadState
	if state == "" {
		state = FileActive
	}
	return UploadedFile{Name: "files/abc", URI: "https://example/files/abc", MIMEType: "audio/ogg", State: state}, nil
}

func (m *mockBackend) GetFile(ctx context.Context, name string) (UploadedFile, error) {
	m.getFiles++
	state := FileProcessing
	if len(m.states) > 0 {
		state = m.states[0]
		m.states = m.states[1:]
	}
	return UploadedFile{Name: name, URI: "https://example/" + name, MIMEType: "audio/ogg", State: state}, nil
}

func (m *mockBackend) Generate(ctx context.Context, model, prompt string, file UploadedFile) (string, error) {
	m.calls = append(m.calls, model)
	r, ok := m.replies[model]
	if !ok {
		return "", fmt.Errorf("404 model %s not found", model)
	}
	return r.text, r.err
}

func (m *mockBackend) ListModels(ctx context.Context) ([]string, error) {
	return m.models, m.listErr
}

type recordingSleeper struct {
	pauses []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.pauses = append(r.pauses, d)
	return nil
}

func newTestExtractor(b Backend, models []string, s *recordingSleeper) *Extractor {
	cfg := DefaultConfig()
	cfg.Models = models
	return NewExtractor(b, cfg, WithSleeper(s.sleep))
}

func TestExtract_FirstModelWins(t *testing.T) {
	b := &mockBackend{replies: map[string]reply{
		"m1": {text: lionsJSON},
		"m2": {text: lionsJSON},
	}}
	s := &recordingSleeper{}
	doc, diag := newTestExtractor(b, []string{"m1", "m2"}, s).Extract(context.Background(), "a.ogg")

	if doc.Title != "Lions" {
		t.Errorf("Title = %q, want Lions", doc.Title)
	}
	if len(b.calls) != 1 {
		t.Errorf("calls = %v, want only m1", b.calls)
	}
	if diag.Model != "m1" || diag.Failures() != 0 {
		t.Errorf("diag = %+v", diag)
	}
	if len(s.pauses) != 0 {
		t.Errorf("pauses = %v, want none", s.pauses)
	}
}

func TestExtract_MalformedThenValid(t *testing.T) {
	tests := []struct {
		name   string
		models []string
		bad    int
	}{
		{"second wins", []string{"a", "b", "c"}, 1},
		{"third wins", []string{"a", "b", "c", "d"}, 2},
		{"last wins", []string{"a", "b", "c", "d"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replies := map[string]reply{}
			for i, m := range tt.models {
				switch {
				case i < tt.bad:
					replies[m] = reply{text: "Sure! Here is a deck: {not json"}
				default:
					replies[m] = reply{text: "```json\n" + lionsJSON + "\n```"}
				}
			}
			b := &mockBackend{replies: replies}
			s := &recordingSleeper{}
			doc, diag := newTestExtractor(b, tt.models, s).Extract(context.Background(), "a.ogg")

			n := tt.bad + 1
			if len(b.calls) != n {
				t.Errorf("calls = %d, want %d", len(b.calls), n)
			}
			if diag.Failures() != tt.bad {
				t.Errorf("failures = %d, want %d", diag.Failures(), tt.bad)
			}
			for _, a := range diag.Attempts[:tt.bad] {
				if a.Outcome != OutcomeMalformed {
					t.Errorf("attempt %s outcome = %q, want malformed", a.Model, a.Outcome)
				}
			}
			if doc.Title != "Lions" || diag.Model != tt.models[tt.bad] {
				t.Errorf("doc=%q model=%q", doc.Title, diag.Model)
			}
			if len(s.pauses) != 0 {
				t.Errorf("malformed output must not pause, got %v", s.pauses)
			}
		})
	}
}

func TestExtract_RateLimitedTwiceThenSuccess(t *testing.T) {
	b := &mockBackend{replies: map[string]reply{
		"m1": {err: errors.New("Error 429, Message: rate limited, Status: RESOURCE_EXHAUSTED")},
		"m2": {err: errors.New("googleapi: Error 429: rate limited")},
		"m3": {text: lionsJSON},
	}}
	s := &recordingSleeper{}
	doc, diag := newTestExtractor(b, []string{"m1", "m2", "m3"}, s).Extract(context.Background(), "a.ogg")

	if doc.Title != "Lions" {
		t.Fatalf("Title = %q", doc.Title)
	}
	if got := diag.RateLimitPauses(); got != 2 {
		t.Errorf("RateLimitPauses() = %d, want 2", got)
	}
	want := []time.Duration{30 * time.Second, 30 * time.Second}
	if len(s.pauses) != 2 || s.pauses[0] != want[0] || s.pauses[1] != want[1] {
		t.Errorf("pauses = %v, want %v", s.pauses, want)
	}
}

func TestExtract_GenericErrorShortPause(t *testing.T) {
	b := &mockBackend{replies: map[string]reply{
		"m1": {err: errors.New("connection reset by peer")},
		"m2": {text: lionsJSON},
	}}
	s := &recordingSleeper{}
	_, diag := newTestExtractor(b, []string{"m1", "m2"}, s).Extract(context.Background(), "a.ogg")

	if len(s.pauses) != 1 || s.pauses[0] != 3*time.Second {
		t.Errorf("pauses = %v, want [3s]", s.pauses)
	}
	if diag.RateLimitPauses() != 0 {
		t.Errorf("RateLimitPauses() = %d, want 0", diag.RateLimitPauses())
	}
}

func TestExtract_AllFail(t *testing.T) {
	b := &mockBackend{
		replies: map[string]reply{
			"m1": {text: "nope"},
			"m2": {err: errors.New("Error 429 quota exceeded")},
		},
		models: []string{"gemini-2.5-flash", "gemini-2.0-flash"},
	}
	s := &recordingSleeper{}
	doc, diag := newTestExtractor(b, []string{"m1", "m2"}, s).Extract(context.Background(), "a.ogg")

	if doc.Title != deck.ErrorTitle {
		t.Fatalf("Title = %q, want sentinel", doc.Title)
	}
	if len(doc.Slides) != 1 || len(doc.Slides[0].BulletPoints) == 0 {
		t.Fatalf("error document = %+v", doc)
	}
	bullets := strings.Join(doc.Slides[0].BulletPoints, "\n")
	for _, want := range []string{"failed", "m1, m2", "gemini-2.5-flash"} {
		if !strings.Contains(bullets, want) {
			t.Errorf("bullets missing %q:\n%s", want, bullets)
		}
	}
	if len(s.pauses) != 0 {
		t.Errorf("no pause expected after the last model, got %v", s.pauses)
	}
	if diag.Failures() != 2 {
		t.Errorf("failures = %d, want 2", diag.Failures())
	}
}

func TestExtract_CatalogUnavailable(t *testing.T) {
	b := &mockBackend{listErr: errors.New("permission denied")}
	doc, _ := newTestExtractor(b, []string{"m1"}, &recordingSleeper{}).Extract(context.Background(), "a.ogg")

	bullets := strings.Join(doc.Slides[0].BulletPoints, "\n")
	if !strings.Contains(bullets, "Available models: unavailable (permission denied)") {
		t.Errorf("bullets = %s", bullets)
	}
}

func TestExtract_UploadFailureSkipsModels(t *testing.T) {
	b := &mockBackend{uploadErr: errors.New("network unreachable"), replies: map[string]reply{"m1": {text: lionsJSON}}}
	doc, diag := newTestExtractor(b, []string{"m1"}, &recordingSleeper{}).Extract(context.Background(), "a.ogg")

	if !doc.IsErrorDocument() {
		t.Errorf("Title = %q, want sentinel", doc.Title)
	}
	if len(b.calls) != 0 {
		t.Errorf("calls = %v, want none", b.calls)
	}
	if diag.UploadState != string(FileFailed) {
		t.Errorf("UploadState = %q", diag.UploadState)
	}
}

func TestExtract_UploadPollsUntilActive(t *testing.T) {
	b := &mockBackend{
		uploadState: FileProcessing,
		states:      []FileState{FileProcessing, FileProcessing, FileActive},
		replies:     map[string]reply{"m1": {text: lionsJSON}},
	}
	s := &recordingSleeper{}
	doc, diag := newTestExtractor(b, []string{"m1"}, s).Extract(context.Background(), "a.ogg")

	if doc.Title != "Lions" {
		t.Fatalf("Title = %q", doc.Title)
	}
	if b.getFiles != 3 {
		t.Errorf("GetFile calls = %d, want 3", b.getFiles)
	}
	if len(s.pauses) != 3 || s.pauses[0] != 2*time.Second {
		t.Errorf("pauses = %v", s.pauses)
	}
	if diag.UploadState != string(FileActive) {
		t.Errorf("UploadState = %q", diag.UploadState)
	}
}

func TestExtract_UploadPollIsBounded(t *testing.T) {
	b := &mockBackend{uploadState: FileProcessing, replies: map[string]reply{"m1": {text: lionsJSON}}}
	cfg := DefaultConfig()
	cfg.Models = []string{"m1"}
	cfg.UploadMaxPolls = 4
	s := &recordingSleeper{}
	doc, _ := NewExtractor(b, cfg, WithSleeper(s.sleep)).Extract(context.Background(), "a.ogg")

	if !doc.IsErrorDocument() {
		t.Errorf("Title = %q, want sentinel", doc.Title)
	}
	if b.getFiles != 4 {
		t.Errorf("GetFile calls = %d, want 4", b.getFiles)
	}
	if len(b.calls) != 0 {
		t.Errorf("model calls = %v, want none", b.calls)
	}
}

func TestExtract_UploadFailedState(t *testing.T) {
	b := &mockBackend{uploadState: FileProcessing, states: []FileState{FileFailed}}
	doc, _ := newTestExtractor(b, []string{"m1"}, &recordingSleeper{}).Extract(context.Background(), "a.ogg")
	if !doc.IsErrorDocument() || len(b.calls) != 0 {
		t.Errorf("doc=%q calls=%v", doc.Title, b.calls)
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Error 429"), true},
		{errors.New("RESOURCE_EXHAUSTED"), true},
		{errors.New("Quota exceeded for metric"), true},
		{errors.New("rate limit reached"), true},
		{errors.New("500 internal"), false},
		{errors.New("context deadline exceeded"), false},
	}
	for _, tt := range tests {
		if got := IsRateLimited(tt.err); got != tt.want {
			t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestAudioMIMEType(t *testing.T) {
	tests := map[string]string{
		"a.ogg":  "audio/ogg",
		"a.MP3":  "audio/mpeg",
		"a.wav":  "audio/wav",
		"a.m4a":  "audio/mp4",
		"a.webm": "audio/webm",
		"a":      "audio/ogg",
	}
	for in, want := range tests {
		if got := AudioMIMEType(in); got != want {
			t.Errorf("AudioMIMEType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	if BuildPrompt("") != instructionPrompt {
		t.Error("empty guidance should return the base prompt")
	}
	p := BuildPrompt("Use Spanish")
	if !strings.Contains(p, "[Additional guidance]\nUse Spanish") {
		t.Errorf("guidance not appended: %q", p[len(p)-60:])
	}
}
