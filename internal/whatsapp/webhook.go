package whatsapp

import "mime"

var audioExts = map[string]string{
	"audio/ogg":  ".ogg",
	"audio/opus": ".opus",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/aac":  ".aac",
	"audio/amr":  ".amr",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
}

// WebhookPayload is the subset of the Cloud API notification body we read.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Messages         []InboundMessage `json:"messages"`
}

// InboundMessage is one user message. Only audio carries a payload we use.
type InboundMessage struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Audio     *MediaRef  `json:"audio,omitempty"`
	Text      *TextEntry `json:"text,omitempty"`
}

type MediaRef struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
}

// Ext maps the media MIME type to a file extension. Voice notes arrive as
// "audio/ogg; codecs=opus", and anything unrecognised is treated as .ogg.
func (m MediaRef) Ext() string {
	mt, _, err := mime.ParseMediaType(m.MIMEType)
	if err != nil {
		return ".ogg"
	}
	if ext, ok := audioExts[mt]; ok {
		return ext
	}
	return ".ogg"
}

type TextEntry struct {
	Body string `json:"body"`
}

// FirstMessage returns the first message in the payload, if any.
func (p WebhookPayload) FirstMessage() (InboundMessage, bool) {
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if len(c.Value.Messages) > 0 {
				return c.Value.Messages[0], true
			}
		}
	}
	return InboundMessage{}, false
}

// IsAudio reports whether m is an audio message with a media id.
func (m InboundMessage) IsAudio() bool {
	return m.Type == "audio" && m.Audio != nil && m.Audio.ID != ""
}
