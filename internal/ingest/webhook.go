package ingest

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SecretHeader carries the secret_token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const webhookTimeout = 10 * time.Second

// Webhook is the push update source. It always answers 200 "OK" once the
// caller is authenticated, whatever happens to the update, because Telegram
// redelivers anything else.
type Webhook struct {
	registrar *Registrar
	secret    string
}

// NewWebhook creates the handler. An empty secret disables the header check.
func NewWebhook(registrar *Registrar, secret string) *Webhook {
	return &Webhook{registrar: registrar, secret: secret}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			slog.Warn("webhook call with bad secret", "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	h.process(r)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (h *Webhook) process(r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Warn("webhook body unreadable", "error", err)
		return
	}

	u, err := decodeUpdate(body)
	if err != nil {
		slog.Warn("skipping webhook update", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()
	if err := h.registrar.Handle(ctx, u); err != nil {
		slog.Error("webhook registration failed", "update_id", u.UpdateID, "error", err)
	}
}
