// Package guard wraps protected routes with the token-expiry check.
// Every entry to a protected resource re-checks the embedded expiry;
// there is no timer-based sweep.
package guard

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"session-gateway/internal/session"
	"session-gateway/internal/util"
)

// HeaderConsoleID identifies the console making the request. Issued by
// the gateway on first contact.
const HeaderConsoleID = "X-Console-ID"

type deniedResponse struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect"`
}

// RequireSession denies entry unless the console holds a live session.
// Expired or malformed tokens tear the session down (state and durable
// storage) before the denial is returned.
func RequireSession(registry *session.Registry, loginRoute string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			consoleID := r.Header.Get(HeaderConsoleID)
			if consoleID == "" {
				deny(w, loginRoute, "console not identified")
				return
			}

			machine := registry.Get(r.Context(), consoleID)
			if err := machine.CheckAccess(r.Context()); err != nil {
				logger.Info("Protected access denied",
					util.String("console_id", consoleID),
					util.String("path", r.URL.Path),
					util.ErrorField(err),
				)
				deny(w, loginRoute, err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, loginRoute, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(deniedResponse{
		Error:    reason,
		Redirect: loginRoute,
	})
}
