package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"session-gateway/internal/guard"
	"session-gateway/internal/session"
	"session-gateway/internal/util"
)

// AuthHandler exposes the login state machine to the console frontend.
type AuthHandler struct {
	registry *session.Registry
	logger   *zap.Logger
}

func NewAuthHandler(registry *session.Registry, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		registry: registry,
		logger:   logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers the auth flow endpoints.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/otp/resend", h.ResendOTP)
		r.Post("/otp/reset", h.ResetOTPState)
		r.Post("/logout", h.Logout)
		r.Get("/session", h.Session)
	})
}

// RegisterProtectedRoutes registers everything behind the session guard.
func (h *AuthHandler) RegisterProtectedRoutes(router chi.Router) {
	router.Get("/profile", h.Profile)
}

// Login runs the credential check and OTP dispatch as one operation:
// success means an OTP is on its way on the chosen channel.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	machine := h.machine(r)

	var req session.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := machine.Login(r.Context(), req); err != nil {
		h.respondWithError(w, statusCode(err), err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(machine.Snapshot(), "OTP dispatched"))
	h.logger.Info("Login accepted, verification pending",
		util.String("channel", string(req.Channel)),
		util.Duration("duration", time.Since(start)),
	)
}

type verifyRequest struct {
	Code string `json:"code"`
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	machine := h.machine(r)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := machine.VerifyOTP(r.Context(), req.Code); err != nil {
		h.respondWithError(w, statusCode(err), err, "OTP verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(machine.Snapshot(), "Session established"))
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	machine := h.machine(r)

	if err := machine.ResendOTP(r.Context()); err != nil {
		h.respondWithError(w, statusCode(err), err, "OTP resend failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(machine.Snapshot(), "OTP re-dispatched"))
}

func (h *AuthHandler) ResetOTPState(w http.ResponseWriter, r *http.Request) {
	machine := h.machine(r)
	machine.ResetOTPState()
	h.respondWithJSON(w, http.StatusOK, successResponse(machine.Snapshot(), "Verification abandoned"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	machine := h.machine(r)

	if err := machine.Logout(r.Context()); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(machine.Snapshot(), "Logged out"))
}

// Session reports the current state of the console's aggregate.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	machine := h.machine(r)
	h.respondWithJSON(w, http.StatusOK, successResponse(machine.Snapshot(), ""))
}

// Profile is a protected view of the established identity. The guard has
// already vetted the token by the time this runs.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	machine := h.machine(r)

	snap := machine.Snapshot()
	if snap.Identity == nil {
		h.respondWithError(w, http.StatusUnauthorized, session.ErrNotAuthenticated, "No established session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(snap.Identity, ""))
}

func (h *AuthHandler) machine(r *http.Request) *session.Machine {
	return h.registry.Get(r.Context(), r.Header.Get(guard.HeaderConsoleID))
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrOTPMismatch),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNoPendingOTP),
		errors.Is(err, session.ErrAttemptSuperseded):
		return http.StatusConflict
	case errors.Is(err, session.ErrResendThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrServiceUnavailable),
		errors.Is(err, session.ErrProfileFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrNetwork):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, status int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, status int, err error, message string) {
	h.respondWithJSON(w, status, errorResponse(err, message))
}
