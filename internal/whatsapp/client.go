// Package whatsapp talks to the WhatsApp Cloud API: media upload, document
// and text messages, inbound media download and webhook payloads.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultGraphHost = "https://graph.facebook.com"
	defaultVersion   = "v18.0"
	defaultTimeout   = 60 * time.Second
)

// Message texts sent to users.
const (
	DocumentCaption = "Here is your generated presentation!"
	ProcessingText  = "Processing your audio presentation..."
	AudioOnlyText   = "Please send an audio message to generate a presentation."
)

// GraphError is an error reported by the Graph API.
type GraphError struct {
	Status  int
	Message string
	Type    string
	Code    int
}

func (e *GraphError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph api: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("graph api: %s (status %d, code %d)", e.Message, e.Status, e.Code)
}

// Client communicates with the WhatsApp Cloud API.
type Client struct {
	token      string
	phoneID    string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the given phone number id. An empty version
// selects v18.0.
func NewClient(token, phoneID, version string) *Client {
	if version == "" {
		version = defaultVersion
	}
	return &Client{
		token:      token,
		phoneID:    phoneID,
		baseURL:    defaultGraphHost + "/" + version,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(token, phoneID, baseURL string) *Client {
	c := NewClient(token, phoneID, "")
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Configured reports whether the client has the credentials to send.
func (c *Client) Configured() bool {
	return c != nil && c.token != "" && c.phoneID != ""
}

// UploadMedia uploads the file at path and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, path, mimeType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening media: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := mw.WriteField("type", mimeType); err != nil {
		return "", err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("creating multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("reading media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.phoneID+"/media", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("uploading media: response has no media id")
	}
	return out.ID, nil
}

type documentRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type outboundMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Document         *documentRef `json:"document,omitempty"`
	Text             *textBody    `json:"text,omitempty"`
}

// SendDocument sends a previously uploaded media id as a document message.
func (c *Client) SendDocument(ctx context.Context, to, mediaID, filename, caption string) error {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "document",
		Document:         &documentRef{ID: mediaID, Filename: filename, Caption: caption},
	})
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: body},
	})
}

func (c *Client) send(ctx context.Context, msg outboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.phoneID+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("sending %s message: %w", msg.Type, err)
	}
	return nil
}

// DownloadMedia resolves mediaID to its URL and saves the content to dest.
func (c *Client) DownloadMedia(ctx context.Context, mediaID, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	var meta struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &meta); err != nil {
		return fmt.Errorf("resolving media %s: %w", mediaID, err)
	}
	if meta.URL == "" {
		return fmt.Errorf("resolving media %s: response has no url", mediaID)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading media: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating media dir: %w", err)
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating media file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing media: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// do executes req and decodes a JSON response into out (when non-nil).
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		_ = json.Unmarshal(body, &envelope)
		return &GraphError{
			Status:  resp.StatusCode,
			Message: envelope.Error.Message,
			Type:    envelope.Error.Type,
			Code:    envelope.Error.Code,
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
