package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const pptxType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

func TestUploadMedia(t *testing.T) {
	var gotProduct, gotType, gotFilename, gotPartType, gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/PHONE/media" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		gotProduct = r.FormValue("messaging_product")
		gotType = r.FormValue("type")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file field: %v", err)
		}
		defer f.Close()
		gotFilename = hdr.Filename
		gotPartType = hdr.Header.Get("Content-Type")
		b, _ := io.ReadAll(f)
		gotBody = string(b)
		w.Write([]byte(`{"id":"media-1"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "presentation_a.pptx")
	os.WriteFile(path, []byte("deck bytes"), 0o644)

	c := NewClientWithBaseURL("tok", "PHONE", srv.URL)
	id, err := c.UploadMedia(context.Background(), path, pptxType)
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if id != "media-1" {
		t.Errorf("id = %q", id)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotProduct != "whatsapp" {
		t.Errorf("messaging_product = %q", gotProduct)
	}
	if gotType != pptxType || gotPartType != pptxType {
		t.Errorf("type = %q, part type = %q", gotType, gotPartType)
	}
	if gotFilename != "presentation_a.pptx" {
		t.Errorf("filename = %q", gotFilename)
	}
	if gotBody != "deck bytes" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestUploadMedia_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.pdf")
	os.WriteFile(path, []byte("%PDF"), 0o644)

	c := NewClientWithBaseURL("tok", "PHONE", srv.URL)
	if _, err := c.UploadMedia(context.Background(), path, "application/pdf"); err == nil {
		t.Fatal("expected error for missing media id")
	}
}

func TestUploadMedia_GraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.pdf")
	os.WriteFile(path, []byte("%PDF"), 0o644)

	c := NewClientWithBaseURL("bad", "PHONE", srv.URL)
	_, err := c.UploadMedia(context.Background(), path, "application/pdf")
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GraphError, got %v", err)
	}
	if ge.Status != http.StatusUnauthorized || ge.Code != 190 {
		t.Errorf("graph error = %+v", ge)
	}
	if !strings.Contains(err.Error(), "Invalid OAuth access token") {
		t.Errorf("error = %v", err)
	}
}

func TestSendMessages(t *testing.T) {
	tests := []struct {
		name string
		send func(c *Client) error
		want outboundMessage
	}{
		{
			name: "text",
			send: func(c *Client) error { return c.SendText(context.Background(), "15551234", ProcessingText) },
			want: outboundMessage{MessagingProduct: "whatsapp", To: "15551234", Type: "text", Text: &textBody{Body: ProcessingText}},
		},
		{
			name: "document",
			send: func(c *Client) error {
				return c.SendDocument(context.Background(), "15551234", "m-9", "deck.pptx", DocumentCaption)
			},
			want: outboundMessage{MessagingProduct: "whatsapp", To: "15551234", Type: "document",
				Document: &documentRef{ID: "m-9", Filename: "deck.pptx", Caption: DocumentCaption}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got outboundMessage
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/PHONE/messages" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("content-type = %q", ct)
				}
				json.NewDecoder(r.Body).Decode(&got)
				w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
			}))
			defer srv.Close()

			if err := tt.send(NewClientWithBaseURL("tok", "PHONE", srv.URL)); err != nil {
				t.Fatalf("send: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("body = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestDownloadMedia(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/audio-7":
			json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/blob/audio-7"})
		case "/blob/audio-7":
			w.Write([]byte("OggS audio"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "uploads", "audio-7.ogg")
	c := NewClientWithBaseURL("tok", "PHONE", srv.URL)
	if err := c.DownloadMedia(context.Background(), "audio-7", dest); err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "OggS audio" {
		t.Errorf("content = %q", b)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestDownloadMedia_BlobFailure(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/audio-7" {
			json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/gone"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "audio-7.ogg")
	c := NewClientWithBaseURL("tok", "PHONE", srv.URL)
	if err := c.DownloadMedia(context.Background(), "audio-7", dest); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination should not exist after failure")
	}
}

func TestConfigured(t *testing.T) {
	var nilClient *Client
	if nilClient.Configured() {
		t.Error("nil client configured")
	}
	if NewClient("", "PHONE", "").Configured() {
		t.Error("client without token configured")
	}
	if !NewClient("tok", "PHONE", "").Configured() {
		t.Error("client with credentials not configured")
	}
}
