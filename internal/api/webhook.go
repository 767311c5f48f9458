package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kalambet/voxdeck/internal/storage"
	"github.com/kalambet/voxdeck/internal/whatsapp"
)

const maxWebhookBodySize = 1 << 20 // 1MB

// MessageLog deduplicates redelivered webhook messages.
type MessageLog interface {
	RecordMessage(ctx context.Context, id string) (bool, error)
}

// Messenger is the messaging channel used by the webhook.
type Messenger interface {
	SendText(ctx context.Context, to, body string) error
	DownloadMedia(ctx context.Context, mediaID, dest string) error
}

func handleWebhookVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mode := q.Get("hub.mode")
		token := q.Get("hub.verify_token")
		challenge := q.Get("hub.challenge")

		if mode == "" || token == "" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if mode == "subscribe" && deps.VerifyToken != "" && token == deps.VerifyToken {
			slog.Info("webhook verified")
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(challenge))
			return
		}
		slog.Warn("webhook verification rejected", "mode", mode)
		httpError(w, http.StatusForbidden, "authentication_error", "verification failed")
	}
}

// handleWebhook always acknowledges with 200 so the platform does not
// redeliver; failures are logged.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		defer r.Body.Close()

		var payload whatsapp.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			slog.Warn("webhook payload rejected", "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
			return
		}

		if msg, ok := payload.FirstMessage(); ok {
			handleInbound(r.Context(), deps, msg)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func handleInbound(ctx context.Context, deps Deps, msg whatsapp.InboundMessage) {
	logger := slog.With("from", msg.From, "type", msg.Type)
	if deps.Messenger == nil {
		logger.Warn("inbound message ignored: messaging not configured")
		return
	}

	if deps.Messages != nil && msg.ID != "" {
		first, err := deps.Messages.RecordMessage(ctx, msg.ID)
		if err != nil {
			logger.Warn("message dedup unavailable", "message_id", msg.ID, "error", err)
		} else if !first {
			logger.Info("duplicate message ignored", "message_id", msg.ID)
			return
		}
	}

	if !msg.IsAudio() {
		if err := deps.Messenger.SendText(ctx, msg.From, whatsapp.AudioOnlyText); err != nil {
			logger.Warn("reply failed", "error", err)
		}
		return
	}

	if err := deps.Messenger.SendText(ctx, msg.From, whatsapp.ProcessingText); err != nil {
		logger.Warn("acknowledgement failed", "error", err)
	}

	dest := filepath.Join(deps.Submitter.UploadDir(), uuid.NewString()+msg.Audio.Ext())
	if err := deps.Messenger.DownloadMedia(ctx, msg.Audio.ID, dest); err != nil {
		logger.Error("media download failed", "media_id", msg.Audio.ID, "error", err)
		return
	}
	run, err := deps.Submitter.Enqueue(ctx, dest, msg.From, storage.SourceWhatsApp)
	if err != nil {
		logger.Error("creating run failed", "error", err)
		return
	}
	logger.Info("audio message queued", "run_id", run.ID)
}
