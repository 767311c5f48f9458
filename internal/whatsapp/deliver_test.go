package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type mockSender struct {
	uploadErr error
	sendErr   error
	textErr   error

	uploadPath, uploadMIME string
	docTo, docID, docName  string
	docCaption             string
	texts                  []string
}

func (m *mockSender) UploadMedia(_ context.Context, path, mimeType string) (string, error) {
	m.uploadPath, m.uploadMIME = path, mimeType
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	return "media-1", nil
}

func (m *mockSender) SendDocument(_ context.Context, to, mediaID, filename, caption string) error {
	m.docTo, m.docID, m.docName, m.docCaption = to, mediaID, filename, caption
	return m.sendErr
}

func (m *mockSender) SendText(_ context.Context, to, body string) error {
	m.texts = append(m.texts, body)
	return m.textErr
}

func TestDeliver(t *testing.T) {
	ms := &mockSender{}
	d := NewDeliverer(ms)

	if err := d.Deliver(context.Background(), "1555", "/out/presentation_x.pdf", ""); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ms.uploadMIME != "application/pdf" {
		t.Errorf("mime = %q", ms.uploadMIME)
	}
	if ms.docTo != "1555" || ms.docID != "media-1" {
		t.Errorf("document sent to %q with id %q", ms.docTo, ms.docID)
	}
	if ms.docName != "presentation_x.pdf" {
		t.Errorf("filename = %q, want base name", ms.docName)
	}
	if ms.docCaption != DocumentCaption {
		t.Errorf("caption = %q", ms.docCaption)
	}
}

func TestDeliver_UploadFailureSkipsSend(t *testing.T) {
	ms := &mockSender{uploadErr: errors.New("boom")}
	d := NewDeliverer(ms)

	if err := d.Deliver(context.Background(), "1555", "/out/a.pptx", "deck.pptx"); err == nil {
		t.Fatal("expected error")
	}
	if ms.docID != "" {
		t.Error("document should not be sent after upload failure")
	}
}

func TestDeliver_SendFailure(t *testing.T) {
	ms := &mockSender{sendErr: errors.New("rejected")}
	if err := NewDeliverer(ms).Deliver(context.Background(), "1555", "/out/a.pptx", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotify(t *testing.T) {
	ms := &mockSender{}
	d := NewDeliverer(ms)
	if err := d.Notify(context.Background(), "1555", AudioOnlyText); err != nil {
		t.Fatal(err)
	}
	if len(ms.texts) != 1 || ms.texts[0] != AudioOnlyText {
		t.Errorf("texts = %v", ms.texts)
	}

	ms.textErr = errors.New("down")
	if err := d.Notify(context.Background(), "1555", "x"); err == nil {
		t.Error("expected error")
	}
}

func TestWebhookFirstMessage(t *testing.T) {
	raw := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"messages":[{"from":"15551234","id":"wamid.A","type":"audio","audio":{"id":"aud-1","mime_type":"audio/ogg; codecs=opus"}}]}}]}]}`
	var p WebhookPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	m, ok := p.FirstMessage()
	if !ok {
		t.Fatal("no message")
	}
	if m.From != "15551234" || !m.IsAudio() || m.Audio.ID != "aud-1" {
		t.Errorf("message = %+v", m)
	}

	var empty WebhookPayload
	json.Unmarshal([]byte(`{"entry":[{"changes":[{"value":{"statuses":[{}]}}]}]}`), &empty)
	if _, ok := empty.FirstMessage(); ok {
		t.Error("status-only payload should have no message")
	}

	text := InboundMessage{Type: "text", Text: &TextEntry{Body: "hi"}}
	if text.IsAudio() {
		t.Error("text message reported as audio")
	}
}

func TestMediaRefExt(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"audio/ogg; codecs=opus", ".ogg"},
		{"audio/mpeg", ".mp3"},
		{"audio/mp4", ".m4a"},
		{"AUDIO/AMR", ".amr"},
		{"", ".ogg"},
		{"application/octet-stream", ".ogg"},
	}
	for _, tt := range tests {
		if got := (MediaRef{MIMEType: tt.mime}).Ext(); got != tt.want {
			t.Errorf("Ext(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}
