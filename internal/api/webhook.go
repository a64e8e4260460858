package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/kalambet/askgram/internal/relay"
	"github.com/kalambet/askgram/internal/telegram"
)

// handleWebhook accepts Telegram push deliveries. Any delivery that passes
// the secret check is acknowledged with 200, whatever happens to it, so
// Telegram never redelivers.
func handleWebhook(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.WebhookSecret != "" {
			got := r.Header.Get(telegram.SecretTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(deps.WebhookSecret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var u telegram.Update
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			deps.Logger.Warn("discarding malformed webhook delivery", "error", err)
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
			return
		}

		if ev, ok := relay.EventFromUpdate(u); ok {
			out := deps.Relay.HandleInbound(r.Context(), ev)
			deps.Logger.Debug("webhook update handled", "update_id", u.UpdateID, "outcome", out.Outcome)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
