package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/voxdeck/internal/storage"
	"github.com/kalambet/voxdeck/internal/whatsapp"
)

type mockMessenger struct {
	mu          sync.Mutex
	texts       []string
	downloads   []string
	downloadErr error
}

func (m *mockMessenger) SendText(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, to+": "+body)
	return nil
}

func (m *mockMessenger) DownloadMedia(_ context.Context, mediaID, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = append(m.downloads, mediaID)
	if m.downloadErr != nil {
		return m.downloadErr
	}
	return os.WriteFile(dest, []byte("OggS"), 0o644)
}

func countRuns(t *testing.T, store *storage.Store) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func postWebhook(h http.Handler, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	return rr
}

func messagePayload(msg string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","messages":[` + msg + `]}}]}]}`
}

func TestWebhookVerify(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)

	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"handshake", "?hub.mode=subscribe&hub.verify_token=my_secure_verify_token&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "?hub.mode=unsubscribe&hub.verify_token=my_secure_verify_token&hub.challenge=1", http.StatusForbidden, ""},
		{"no params", "", http.StatusOK, `{"status":"ok"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook"+tt.query, nil))
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			if tt.body != "" && strings.TrimSpace(rr.Body.String()) != tt.body {
				t.Errorf("body = %q, want %q", rr.Body, tt.body)
			}
		})
	}
}

func TestWebhook_AudioCreatesRun(t *testing.T) {
	deps, store := newTestDeps(t)
	m := &mockMessenger{}
	deps.Messenger = m
	h := NewHandler(deps)

	rr := postWebhook(h, messagePayload(`{"from":"15551234","id":"wamid.1","type":"audio","audio":{"id":"aud-9","mime_type":"audio/ogg"}}`))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"received"`) {
		t.Fatalf("response = %d %s", rr.Code, rr.Body)
	}

	if len(m.texts) != 1 || m.texts[0] != "15551234: "+whatsapp.ProcessingText {
		t.Errorf("texts = %v", m.texts)
	}
	if len(m.downloads) != 1 || m.downloads[0] != "aud-9" {
		t.Errorf("downloads = %v", m.downloads)
	}

	run, err := store.ClaimNextRun(context.Background())
	if err != nil || run == nil {
		t.Fatalf("no run queued: %v", err)
	}
	if run.Recipient != "15551234" || run.Source != storage.SourceWhatsApp {
		t.Errorf("run = %+v", run)
	}
	if filepath.Dir(run.InputAudioPath) != deps.Submitter.UploadDir() || filepath.Ext(run.InputAudioPath) != ".ogg" {
		t.Errorf("input = %q, want <upload dir>/<uuid>.ogg", run.InputAudioPath)
	}
	if strings.Contains(run.InputAudioPath, "aud-9") {
		t.Errorf("input %q is named after the media id", run.InputAudioPath)
	}
}

func TestWebhook_RedeliveredMessageIsIgnored(t *testing.T) {
	deps, store := newTestDeps(t)
	m := &mockMessenger{}
	deps.Messenger = m
	h := NewHandler(deps)

	body := messagePayload(`{"from":"15551234","id":"wamid.7","type":"audio","audio":{"id":"aud-7","mime_type":"audio/mpeg"}}`)
	for i := 0; i < 2; i++ {
		if rr := postWebhook(h, body); rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rr.Code)
		}
	}

	if n := countRuns(t, store); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
	if len(m.downloads) != 1 || len(m.texts) != 1 {
		t.Errorf("downloads = %v, texts = %v; want one of each", m.downloads, m.texts)
	}

	run, _ := store.ClaimNextRun(context.Background())
	if run == nil || filepath.Ext(run.InputAudioPath) != ".mp3" {
		t.Errorf("run = %+v, want an .mp3 input", run)
	}
}

func TestWebhook_DistinctMessagesGetDistinctFiles(t *testing.T) {
	deps, store := newTestDeps(t)
	deps.Messenger = &mockMessenger{}
	h := NewHandler(deps)

	postWebhook(h, messagePayload(`{"from":"1","id":"wamid.a","type":"audio","audio":{"id":"aud-1"}}`))
	postWebhook(h, messagePayload(`{"from":"1","id":"wamid.b","type":"audio","audio":{"id":"aud-1"}}`))

	ctx := context.Background()
	first, _ := store.ClaimNextRun(ctx)
	second, _ := store.ClaimNextRun(ctx)
	if first == nil || second == nil {
		t.Fatalf("claimed %v and %v, want two runs", first, second)
	}
	if first.InputAudioPath == second.InputAudioPath {
		t.Errorf("both runs read %q", first.InputAudioPath)
	}
}

func TestWebhook_ImageGetsStaticReplyAndNoRun(t *testing.T) {
	deps, store := newTestDeps(t)
	m := &mockMessenger{}
	deps.Messenger = m
	h := NewHandler(deps)

	rr := postWebhook(h, messagePayload(`{"from":"15551234","id":"wamid.2","type":"image","image":{"id":"img-1"}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(m.texts) != 1 || m.texts[0] != "15551234: "+whatsapp.AudioOnlyText {
		t.Errorf("texts = %v", m.texts)
	}
	if len(m.downloads) != 0 {
		t.Errorf("downloads = %v", m.downloads)
	}
	if n := countRuns(t, store); n != 0 {
		t.Errorf("runs = %d, want 0", n)
	}
}

func TestWebhook_DownloadFailureCreatesNoRun(t *testing.T) {
	deps, store := newTestDeps(t)
	deps.Messenger = &mockMessenger{downloadErr: errors.New("graph api: unexpected status 404")}
	rr := postWebhook(NewHandler(deps), messagePayload(`{"from":"1","type":"audio","audio":{"id":"aud-1"}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if n := countRuns(t, store); n != 0 {
		t.Errorf("runs = %d, want 0", n)
	}
}

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	deps, store := newTestDeps(t)
	h := NewHandler(deps)

	for _, body := range []string{
		`not json`,
		`{"entry":[]}`,
		`{"entry":[{"changes":[{"value":{"statuses":[{"id":"x","status":"read"}]}}]}]}`,
		messagePayload(`{"from":"1","type":"audio","audio":{"id":"aud-1"}}`), // no messenger configured
	} {
		rr := postWebhook(h, body)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"received"`) {
			t.Errorf("body %q: response = %d %s", body, rr.Code, rr.Body)
		}
	}
	if n := countRuns(t, store); n != 0 {
		t.Errorf("runs = %d, want 0", n)
	}
}
