package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-gateway/internal/client"
	"session-gateway/internal/events"
	"session-gateway/internal/hashing"
	"session-gateway/internal/models"
	"session-gateway/internal/store"
	"session-gateway/internal/token"
	"session-gateway/internal/util"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrServiceUnavailable = errors.New("auth service unavailable")
	ErrNetwork            = errors.New("network failure")
	ErrOTPMismatch        = errors.New("otp mismatch")
	ErrNoPendingOTP       = errors.New("no otp verification pending")
	ErrResendThrottled    = errors.New("otp resend throttled")
	ErrProfileFetchFailed = errors.New("profile fetch failed")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrAttemptSuperseded  = errors.New("login attempt superseded")
)

// IdentityGateway is the slice of the identity service the machine needs.
type IdentityGateway interface {
	Login(ctx context.Context, mobile, password string) (*models.Identity, string, error)
	SendOTP(ctx context.Context, mobile string) (string, error)
	VerifyOTP(ctx context.Context, mobile, code string) error
	Profile(ctx context.Context, userID int64) (*models.Identity, error)
}

// WhatsAppGateway dispatches a code and echoes it back.
type WhatsAppGateway interface {
	SendOTP(ctx context.Context, mobile, countryCode string) (string, error)
}

var nonDigits = regexp.MustCompile(`\D`)

// Machine drives one console's authentication state. It is the single
// writer of its AuthState: every mutation happens under mu, remote calls
// happen outside it, and commits are gated on a per-attempt generation
// counter so a response landing after a reset or logout is discarded.
type Machine struct {
	consoleID string

	mu    sync.Mutex
	state AuthState
	gen   uint64

	// captured at credential acceptance, used for dispatch and verify
	mobile      string
	countryCode string

	identity IdentityGateway
	whatsapp WhatsAppGateway
	sessions *store.SessionStore
	hasher   *hashing.Hasher
	audit    events.Publisher
	logger   *zap.Logger

	resendCooldown time.Duration
	rehydrateOnce  sync.Once
}

// NewMachine builds a machine for one console. Call EnsureRehydrated
// before first use so a persisted session is honoured.
func NewMachine(consoleID string, deps Deps) *Machine {
	return &Machine{
		consoleID:      consoleID,
		identity:       deps.Identity,
		whatsapp:       deps.WhatsApp,
		sessions:       deps.Sessions,
		hasher:         deps.Hasher,
		audit:          deps.Audit,
		logger:         deps.Logger,
		resendCooldown: deps.ResendCooldown,
	}
}

// LoginRequest carries the credential-entry form.
type LoginRequest struct {
	Mobile      string  `json:"mobile"`
	Password    string  `json:"password"`
	Channel     Channel `json:"channel"`
	CountryCode string  `json:"country_code,omitempty"`
}

// Login checks credentials and, on acceptance, dispatches an OTP on the
// requested channel before returning. The caller never observes a
// "credentials accepted" state without a dispatched (or failed) OTP.
func (m *Machine) Login(ctx context.Context, req LoginRequest) error {
	mobile, err := normalizeMobile(req.Mobile)
	if err != nil {
		return err
	}
	if req.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if !req.Channel.valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, req.Channel)
	}
	if req.Channel == ChannelWhatsApp && req.CountryCode == "" {
		return fmt.Errorf("%w: country code is required for whatsapp", ErrInvalidInput)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.state = AuthState{Loading: true}
	m.mobile = mobile
	m.countryCode = req.CountryCode
	m.mu.Unlock()

	identity, provisionalToken, err := m.identity.Login(ctx, mobile, req.Password)
	if err != nil {
		err = mapUpstreamError(err, ErrInvalidCredentials)
		m.failAttempt(gen, err)
		m.publish(ctx, events.TypeLoginFailed, func(e *events.Event) {
			e.Mobile = mobile
			e.Detail = err.Error()
		})
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrAttemptSuperseded
	}
	m.state.ProvisionalIdentity = identity
	m.state.ProvisionalToken = provisionalToken
	m.mu.Unlock()

	// Login is not considered started until dispatch has succeeded;
	// a dispatch failure rolls the provisional material back.
	return m.dispatch(ctx, gen, req.Channel, true)
}

// ResendOTP re-dispatches on the current channel. Valid while pending;
// a fresh WhatsApp code overwrites the stale pending hash.
func (m *Machine) ResendOTP(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.pendingVerification() {
		m.mu.Unlock()
		return ErrNoPendingOTP
	}
	gen := m.gen
	channel := m.state.Channel
	mobile := m.mobile
	m.mu.Unlock()

	ok, err := m.sessions.AcquireResendLock(ctx, mobile, m.resendCooldown)
	if err != nil {
		m.logger.Warn("Resend lock unavailable, allowing dispatch",
			util.String("console_id", m.consoleID),
			util.ErrorField(err))
	} else if !ok {
		return ErrResendThrottled
	}

	return m.dispatch(ctx, gen, channel, false)
}

// dispatch engages the selected OTP channel. rollback controls whether a
// failure clears the provisional material (initial login) or leaves the
// pending state intact for retry (resend).
func (m *Machine) dispatch(ctx context.Context, gen uint64, channel Channel, rollback bool) error {
	m.mu.Lock()
	mobile := m.mobile
	countryCode := m.countryCode
	m.mu.Unlock()

	var pendingHash string
	var err error

	switch channel {
	case ChannelSMS:
		// Server generates and delivers the code; this process never
		// sees it.
		_, err = m.identity.SendOTP(ctx, mobile)
	case ChannelWhatsApp:
		var code string
		code, err = m.whatsapp.SendOTP(ctx, mobile, countryCode)
		if err == nil {
			pendingHash, err = m.hasher.Hash(code)
		}
	default:
		err = fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, channel)
	}

	if err != nil {
		err = mapUpstreamError(err, ErrServiceUnavailable)
		if rollback {
			m.failAttempt(gen, err)
		} else {
			m.mu.Lock()
			if m.gen == gen {
				m.state.LastError = err.Error()
				m.state.Loading = false
			}
			m.mu.Unlock()
		}
		return fmt.Errorf("otp dispatch failed: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrAttemptSuperseded
	}
	m.state.OTPRequested = true
	m.state.OTPConfirmed = false
	m.state.Channel = channel
	m.state.PendingCodeHash = pendingHash
	m.state.Loading = false
	m.state.LastError = ""
	m.mu.Unlock()

	// Best effort: start the cooldown window on the initial dispatch
	// too, so an immediate resend is throttled.
	if rollback {
		if _, lockErr := m.sessions.AcquireResendLock(ctx, mobile, m.resendCooldown); lockErr != nil {
			m.logger.Debug("Could not start resend cooldown", util.ErrorField(lockErr))
		}
	}

	m.publish(ctx, events.TypeOTPDispatched, func(e *events.Event) {
		e.Mobile = mobile
		e.Channel = string(channel)
	})
	return nil
}

// VerifyOTP confirms the user-entered code. SMS codes are verified by
// the identity service followed by a profile fetch; WhatsApp codes are
// matched locally against the pending hash with no network call.
func (m *Machine) VerifyOTP(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("%w: otp code is required", ErrInvalidInput)
	}

	m.mu.Lock()
	if !m.state.pendingVerification() {
		m.mu.Unlock()
		return ErrNoPendingOTP
	}
	gen := m.gen
	channel := m.state.Channel

	if channel == ChannelWhatsApp {
		defer m.mu.Unlock()
		return m.verifyWhatsAppLocked(ctx, code)
	}

	mobile := m.mobile
	provisionalID := m.state.ProvisionalIdentity.ID
	provisionalToken := m.state.ProvisionalToken
	m.mu.Unlock()

	return m.verifySMS(ctx, gen, mobile, code, provisionalID, provisionalToken)
}

// verifyWhatsAppLocked compares the entered code against the pending
// hash. Match promotes the provisional material in place; mismatch
// leaves the pending state untouched so the user can retry.
func (m *Machine) verifyWhatsAppLocked(ctx context.Context, code string) error {
	match, err := m.hasher.Verify(code, m.state.PendingCodeHash)
	if err != nil {
		return fmt.Errorf("pending code unverifiable: %w", err)
	}
	if !match {
		m.state.LastError = ErrOTPMismatch.Error()
		m.publish(ctx, events.TypeOTPRejected, func(e *events.Event) {
			e.Channel = string(ChannelWhatsApp)
		})
		return ErrOTPMismatch
	}

	m.establishLocked(ctx, m.state.ProvisionalIdentity, m.state.ProvisionalToken)
	return nil
}

func (m *Machine) verifySMS(ctx context.Context, gen uint64, mobile, code string, provisionalID int64, provisionalToken string) error {
	if err := m.identity.VerifyOTP(ctx, mobile, code); err != nil {
		if errors.Is(err, client.ErrOTPRejected) {
			m.mu.Lock()
			if m.gen == gen {
				m.state.LastError = ErrOTPMismatch.Error()
			}
			m.mu.Unlock()
			m.publish(ctx, events.TypeOTPRejected, func(e *events.Event) {
				e.Mobile = mobile
				e.Channel = string(ChannelSMS)
			})
			return ErrOTPMismatch
		}
		// Unreachable verifier: stay pending, retry allowed.
		err = mapUpstreamError(err, ErrServiceUnavailable)
		m.mu.Lock()
		if m.gen == gen {
			m.state.LastError = err.Error()
		}
		m.mu.Unlock()
		return err
	}

	identity, err := m.identity.Profile(ctx, provisionalID)
	if err != nil {
		// Fatal for the attempt: a session cannot be considered
		// established without a canonical identity record.
		m.mu.Lock()
		if m.gen == gen {
			m.gen++
			m.state = AuthState{LastError: ErrProfileFetchFailed.Error()}
		}
		m.mu.Unlock()
		if clearErr := m.sessions.Clear(ctx, m.consoleID); clearErr != nil {
			m.logger.Error("Failed to clear storage after profile failure",
				util.String("console_id", m.consoleID),
				util.ErrorField(clearErr))
		}
		m.publish(ctx, events.TypeProfileFailed, func(e *events.Event) {
			e.Mobile = mobile
			e.Detail = err.Error()
		})
		return fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrAttemptSuperseded
	}
	m.establishLocked(ctx, identity, provisionalToken)
	m.mu.Unlock()
	return nil
}

// establishLocked flips the aggregate into authenticated in one step and
// persists the session record. Durable storage is a rehydration aid, not
// the source of truth, so a persistence failure is logged, not fatal.
func (m *Machine) establishLocked(ctx context.Context, identity *models.Identity, confirmedToken string) {
	m.state = AuthState{
		Authenticated: true,
		Identity:      identity,
		Token:         confirmedToken,
		OTPRequested:  true,
		OTPConfirmed:  true,
		Channel:       m.state.Channel,
	}

	ttl := time.Hour
	if exp, err := token.Expiry(confirmedToken); err == nil {
		ttl = time.Until(exp)
	}
	if ttl > 0 {
		rec := &store.Record{
			Token:    confirmedToken,
			UserID:   identity.ID,
			Name:     identity.Name,
			Role:     identity.Role,
			Email:    identity.Email,
			Mobile:   identity.Mobile,
			City:     identity.City,
			State:    identity.State,
			PhotoURL: identity.PhotoURL,
		}
		if err := m.sessions.Save(ctx, m.consoleID, rec, ttl); err != nil {
			m.logger.Error("Failed to persist established session",
				util.String("console_id", m.consoleID),
				util.ErrorField(err))
		}
	}

	m.publish(ctx, events.TypeSessionOpened, func(e *events.Event) {
		e.UserID = identity.ID
		e.Mobile = identity.Mobile
		e.Channel = string(m.state.Channel)
	})

	m.logger.Info("Session established",
		util.String("console_id", m.consoleID),
		util.Int64("user_id", identity.ID),
		util.String("channel", string(m.state.Channel)),
	)
}

// ResetOTPState abandons a pending verification and returns the
// aggregate to its pre-dispatch shape. In-flight responses from the
// abandoned attempt are discarded by the generation bump.
func (m *Machine) ResetOTPState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.state = AuthState{}
	m.mobile = ""
	m.countryCode = ""
}

// Logout tears down all state and durable storage. Idempotent.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	wasAuthenticated := m.state.Authenticated
	userID := int64(0)
	if m.state.Identity != nil {
		userID = m.state.Identity.ID
	}
	m.state = AuthState{}
	m.mobile = ""
	m.countryCode = ""
	m.mu.Unlock()

	if err := m.sessions.Clear(ctx, m.consoleID); err != nil {
		return err
	}

	if wasAuthenticated {
		m.publish(ctx, events.TypeSessionClosed, func(e *events.Event) {
			e.UserID = userID
		})
	}
	return nil
}

// CheckAccess gates entry to protected resources on the embedded token
// expiry. Expired or undecodable tokens force a full teardown; there is
// no background sweep, this is the only expiry check.
func (m *Machine) CheckAccess(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.Authenticated {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	err := token.Validate(m.state.Token, time.Now())
	if err == nil {
		m.mu.Unlock()
		return nil
	}

	userID := int64(0)
	if m.state.Identity != nil {
		userID = m.state.Identity.ID
	}
	m.gen++
	m.state = AuthState{}
	m.mobile = ""
	m.countryCode = ""
	m.mu.Unlock()

	if clearErr := m.sessions.Clear(ctx, m.consoleID); clearErr != nil {
		m.logger.Error("Failed to clear storage on token expiry",
			util.String("console_id", m.consoleID),
			util.ErrorField(clearErr))
	}
	m.publish(ctx, events.TypeSessionExpired, func(e *events.Event) {
		e.UserID = userID
		e.Detail = err.Error()
	})
	return err
}

// EnsureRehydrated seeds the aggregate from durable storage exactly once.
// A stored token that is expired or undecodable clears the record and
// leaves the machine anonymous.
func (m *Machine) EnsureRehydrated(ctx context.Context) {
	m.rehydrateOnce.Do(func() {
		rec, err := m.sessions.Load(ctx, m.consoleID)
		if err != nil {
			if !errors.Is(err, store.ErrNoSession) {
				m.logger.Warn("Discarding unreadable session record",
					util.String("console_id", m.consoleID),
					util.ErrorField(err))
				_ = m.sessions.Clear(ctx, m.consoleID)
			}
			return
		}

		if err := token.Validate(rec.Token, time.Now()); err != nil {
			_ = m.sessions.Clear(ctx, m.consoleID)
			m.publish(ctx, events.TypeSessionExpired, func(e *events.Event) {
				e.UserID = rec.UserID
				e.Detail = err.Error()
			})
			return
		}

		m.mu.Lock()
		m.state = AuthState{
			Authenticated: true,
			Identity: &models.Identity{
				ID:       rec.UserID,
				Mobile:   rec.Mobile,
				Name:     rec.Name,
				Role:     rec.Role,
				Email:    rec.Email,
				City:     rec.City,
				State:    rec.State,
				PhotoURL: rec.PhotoURL,
			},
			Token:        rec.Token,
			OTPRequested: true,
			OTPConfirmed: true,
		}
		m.mu.Unlock()

		m.logger.Info("Session rehydrated",
			util.String("console_id", m.consoleID),
			util.Int64("user_id", rec.UserID),
		)
	})
}

// Snapshot returns a read-only view for handlers and the guard.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Authenticated: m.state.Authenticated,
		OTPRequested:  m.state.OTPRequested,
		OTPConfirmed:  m.state.OTPConfirmed,
		Channel:       m.state.Channel,
		Loading:       m.state.Loading,
		LastError:     m.state.LastError,
	}
	if m.state.Identity != nil {
		identity := *m.state.Identity
		snap.Identity = &identity
	}
	if m.state.Token != "" {
		if exp, err := token.Expiry(m.state.Token); err == nil {
			snap.TokenExpires = &exp
		}
	}
	return snap
}

// failAttempt rolls the aggregate back to anonymous with the error
// surfaced, unless a newer attempt has taken over.
func (m *Machine) failAttempt(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.state = AuthState{LastError: err.Error()}
	m.mobile = ""
	m.countryCode = ""
}

func (m *Machine) publish(ctx context.Context, eventType string, fill func(*events.Event)) {
	event := events.New(eventType, m.consoleID)
	if fill != nil {
		fill(&event)
	}
	if err := m.audit.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish audit event",
			util.String("type", eventType),
			util.ErrorField(err))
	}
}

// normalizeMobile strips every non-digit and enforces the 7-15 digit
// range before anything touches the network.
func normalizeMobile(raw string) (string, error) {
	mobile := nonDigits.ReplaceAllString(raw, "")
	if len(mobile) < 7 || len(mobile) > 15 {
		return "", fmt.Errorf("%w: mobile must be 7-15 digits", ErrInvalidInput)
	}
	return mobile, nil
}

// mapUpstreamError translates transport-level failures into the
// machine's error taxonomy. unauthorizedAs names the sentinel an
// upstream rejection maps to in the current operation.
func mapUpstreamError(err error, unauthorizedAs error) error {
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		return unauthorizedAs
	case errors.Is(err, client.ErrNetwork):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	case errors.Is(err, client.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	default:
		return err
	}
}
