package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"session-gateway/internal/client"
	"session-gateway/internal/events"
	"session-gateway/internal/hashing"
	"session-gateway/internal/models"
	"session-gateway/internal/session"
	"session-gateway/internal/store"
)

const resendCooldown = 30 * time.Second

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("upstream-secret"))
	require.NoError(t, err)
	return raw
}

type fakeIdentity struct {
	mu sync.Mutex

	identity   *models.Identity
	token      string
	loginErr   error
	sendErr    error
	verifyErr  error
	profile    *models.Identity
	profileErr error

	loginCalls   int
	sendCalls    int
	verifyCalls  int
	profileCalls int

	// optional gate to hold SendOTP mid-flight
	sendStarted chan struct{}
	sendRelease chan struct{}
}

func (f *fakeIdentity) Login(_ context.Context, _, _ string) (*models.Identity, string, error) {
	f.mu.Lock()
	f.loginCalls++
	f.mu.Unlock()
	if f.loginErr != nil {
		return nil, "", f.loginErr
	}
	return f.identity, f.token, nil
}

func (f *fakeIdentity) SendOTP(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.sendCalls++
	started := f.sendStarted
	release := f.sendRelease
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "OTP sent", nil
}

func (f *fakeIdentity) VerifyOTP(_ context.Context, _, _ string) error {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeIdentity) Profile(_ context.Context, _ int64) (*models.Identity, error) {
	f.mu.Lock()
	f.profileCalls++
	f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

type fakeWhatsApp struct {
	mu    sync.Mutex
	code  string
	err   error
	calls int
}

func (f *fakeWhatsApp) SendOTP(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.code, nil
}

type fixture struct {
	machine  *session.Machine
	registry *session.Registry
	identity *fakeIdentity
	whatsapp *fakeWhatsApp
	sessions *store.SessionStore
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = rc.Close() })

	sessions := store.NewSessionStore(rc, zap.NewNop())

	fi := &fakeIdentity{
		identity: &models.Identity{ID: 42, Mobile: "9998887777", Name: "login record", Role: models.RoleStaff},
		token:    signedToken(t, time.Now().Add(time.Hour)),
		profile: &models.Identity{
			ID: 42, Mobile: "9998887777", Name: "Asha Verma", Role: models.RoleAdmin,
			Email: "asha@example.com", City: "Pune", State: "Maharashtra",
		},
	}
	fw := &fakeWhatsApp{code: "482913"}

	registry := session.NewRegistry(session.Deps{
		Identity:       fi,
		WhatsApp:       fw,
		Sessions:       sessions,
		Hasher:         hashing.NewHasher(hashing.DefaultParams),
		Audit:          events.NewLogPublisher(zap.NewNop()),
		Logger:         zap.NewNop(),
		ResendCooldown: resendCooldown,
	})

	return &fixture{
		machine:  registry.Get(context.Background(), "console-1"),
		registry: registry,
		identity: fi,
		whatsapp: fw,
		sessions: sessions,
		redis:    mr,
	}
}

func smsLogin() session.LoginRequest {
	return session.LoginRequest{Mobile: "9998887777", Password: "Secret123", Channel: session.ChannelSMS}
}

func whatsappLogin() session.LoginRequest {
	return session.LoginRequest{Mobile: "9998887777", Password: "Secret123", Channel: session.ChannelWhatsApp, CountryCode: "91"}
}

func TestLoginValidation(t *testing.T) {
	tests := []struct {
		name string
		req  session.LoginRequest
	}{
		{name: "empty password", req: session.LoginRequest{Mobile: "9998887777", Channel: session.ChannelSMS}},
		{name: "mobile too short", req: session.LoginRequest{Mobile: "123", Password: "x", Channel: session.ChannelSMS}},
		{name: "mobile too long", req: session.LoginRequest{Mobile: "12345678901234567890", Password: "x", Channel: session.ChannelSMS}},
		{name: "unknown channel", req: session.LoginRequest{Mobile: "9998887777", Password: "x", Channel: "carrier-pigeon"}},
		{name: "whatsapp without country code", req: session.LoginRequest{Mobile: "9998887777", Password: "x", Channel: session.ChannelWhatsApp}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.machine.Login(context.Background(), tt.req)
			require.ErrorIs(t, err, session.ErrInvalidInput)

			// rejected before any network call, state untouched
			require.Zero(t, f.identity.loginCalls)
			snap := f.machine.Snapshot()
			require.False(t, snap.Authenticated)
			require.False(t, snap.OTPRequested)
		})
	}
}

func TestMobileNormalization(t *testing.T) {
	f := newFixture(t)

	req := smsLogin()
	req.Mobile = " +91 (999) 888-7777 "
	require.NoError(t, f.machine.Login(context.Background(), req))
	require.Equal(t, 1, f.identity.loginCalls)
}

func TestSMSFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, smsLogin()))

	snap := f.machine.Snapshot()
	require.False(t, snap.Authenticated)
	require.True(t, snap.OTPRequested)
	require.Equal(t, session.ChannelSMS, snap.Channel)
	require.Equal(t, 1, f.identity.sendCalls)
	require.Zero(t, f.whatsapp.calls)

	// wrong code: server rejects, state stays pending for retry
	f.identity.verifyErr = client.ErrOTPRejected
	err := f.machine.VerifyOTP(ctx, "000000")
	require.ErrorIs(t, err, session.ErrOTPMismatch)

	snap = f.machine.Snapshot()
	require.False(t, snap.Authenticated)
	require.True(t, snap.OTPRequested)

	// correct code: server confirms, profile fetched, session persisted
	f.identity.verifyErr = nil
	require.NoError(t, f.machine.VerifyOTP(ctx, "123456"))

	snap = f.machine.Snapshot()
	require.True(t, snap.Authenticated)
	require.True(t, snap.OTPConfirmed)
	require.NotNil(t, snap.Identity)
	require.Equal(t, "Asha Verma", snap.Identity.Name, "identity must be the fetched canonical record")
	require.Equal(t, 1, f.identity.profileCalls)

	rec, err := f.sessions.Load(ctx, "console-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.UserID)
	require.Equal(t, models.RoleAdmin, rec.Role)
}

func TestWhatsAppFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, whatsappLogin()))

	snap := f.machine.Snapshot()
	require.True(t, snap.OTPRequested)
	require.Equal(t, session.ChannelWhatsApp, snap.Channel)
	require.Equal(t, 1, f.whatsapp.calls)
	require.Zero(t, f.identity.sendCalls)

	// wrong code leaves the pending state untouched
	err := f.machine.VerifyOTP(ctx, "000000")
	require.ErrorIs(t, err, session.ErrOTPMismatch)
	require.False(t, f.machine.Snapshot().Authenticated)

	// the echoed code authenticates locally: no verify or profile calls
	require.NoError(t, f.machine.VerifyOTP(ctx, "482913"))

	snap = f.machine.Snapshot()
	require.True(t, snap.Authenticated)
	require.NotNil(t, snap.Identity)
	require.Equal(t, "login record", snap.Identity.Name, "provisional identity is promoted as final")
	require.Zero(t, f.identity.verifyCalls)
	require.Zero(t, f.identity.profileCalls)

	_, err = f.sessions.Load(ctx, "console-1")
	require.NoError(t, err)
}

func TestInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	f.identity.loginErr = client.ErrUnauthorized

	err := f.machine.Login(context.Background(), smsLogin())
	require.ErrorIs(t, err, session.ErrInvalidCredentials)

	snap := f.machine.Snapshot()
	require.False(t, snap.Authenticated)
	require.False(t, snap.OTPRequested)
	require.NotEmpty(t, snap.LastError)
	require.Zero(t, f.identity.sendCalls, "no dispatch after rejected credentials")
}

func TestDispatchFailureRollsBackProvisionalState(t *testing.T) {
	f := newFixture(t)
	f.identity.sendErr = client.ErrNetwork

	err := f.machine.Login(context.Background(), smsLogin())
	require.ErrorIs(t, err, session.ErrNetwork)

	// credentials were accepted moments earlier, but the failed dispatch
	// must roll everything back to anonymous
	snap := f.machine.Snapshot()
	require.False(t, snap.Authenticated)
	require.False(t, snap.OTPRequested)
	require.Nil(t, snap.Identity)
	require.NotEmpty(t, snap.LastError)
}

func TestVerifyWithoutPendingOTP(t *testing.T) {
	f := newFixture(t)

	err := f.machine.VerifyOTP(context.Background(), "482913")
	require.ErrorIs(t, err, session.ErrNoPendingOTP)
}

func TestVerifyEmptyCode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Login(context.Background(), whatsappLogin()))

	err := f.machine.VerifyOTP(context.Background(), "")
	require.ErrorIs(t, err, session.ErrInvalidInput)
}

func TestProfileFetchFailureTearsDownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, smsLogin()))

	f.identity.profileErr = client.ErrUnavailable
	err := f.machine.VerifyOTP(ctx, "123456")
	require.ErrorIs(t, err, session.ErrProfileFetchFailed)

	// fatal: full reset, not retryable
	snap := f.machine.Snapshot()
	require.False(t, snap.Authenticated)
	require.False(t, snap.OTPRequested)
	require.Nil(t, snap.Identity)

	_, loadErr := f.sessions.Load(ctx, "console-1")
	require.ErrorIs(t, loadErr, store.ErrNoSession)
}

func TestResetOTPState(t *testing.T) {
	for _, channel := range []session.Channel{session.ChannelSMS, session.ChannelWhatsApp} {
		t.Run(string(channel), func(t *testing.T) {
			f := newFixture(t)
			req := whatsappLogin()
			req.Channel = channel
			require.NoError(t, f.machine.Login(context.Background(), req))

			f.machine.ResetOTPState()

			snap := f.machine.Snapshot()
			require.False(t, snap.Authenticated)
			require.False(t, snap.OTPRequested)
			require.Empty(t, snap.Channel)
			require.Empty(t, snap.LastError)

			err := f.machine.VerifyOTP(context.Background(), "482913")
			require.ErrorIs(t, err, session.ErrNoPendingOTP)
		})
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, whatsappLogin()))
	require.NoError(t, f.machine.VerifyOTP(ctx, "482913"))
	require.True(t, f.machine.Snapshot().Authenticated)

	require.NoError(t, f.machine.Logout(ctx))
	first := f.machine.Snapshot()

	require.NoError(t, f.machine.Logout(ctx))
	second := f.machine.Snapshot()

	require.Equal(t, first, second)
	require.False(t, second.Authenticated)

	_, err := f.sessions.Load(ctx, "console-1")
	require.ErrorIs(t, err, store.ErrNoSession)
}

func TestExpiredTokenDeniesAccessAndClearsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.identity.token = signedToken(t, time.Now().Add(-time.Second))
	require.NoError(t, f.machine.Login(ctx, whatsappLogin()))
	require.NoError(t, f.machine.VerifyOTP(ctx, "482913"))
	require.True(t, f.machine.Snapshot().Authenticated)

	err := f.machine.CheckAccess(ctx)
	require.Error(t, err)

	snap := f.machine.Snapshot()
	require.False(t, snap.Authenticated)
	require.Nil(t, snap.Identity)

	_, err = f.sessions.Load(ctx, "console-1")
	require.ErrorIs(t, err, store.ErrNoSession)
}

func TestCheckAccessWhenAnonymous(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.machine.CheckAccess(context.Background()), session.ErrNotAuthenticated)
}

func TestResendOverwritesStalePendingCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, whatsappLogin()))
	f.redis.FastForward(resendCooldown + time.Second)

	f.whatsapp.code = "555000"
	require.NoError(t, f.machine.ResendOTP(ctx))
	require.Equal(t, 2, f.whatsapp.calls)

	// the stale code no longer verifies
	err := f.machine.VerifyOTP(ctx, "482913")
	require.ErrorIs(t, err, session.ErrOTPMismatch)

	require.NoError(t, f.machine.VerifyOTP(ctx, "555000"))
	require.True(t, f.machine.Snapshot().Authenticated)
}

func TestResendThrottledInsideCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, whatsappLogin()))

	err := f.machine.ResendOTP(ctx)
	require.ErrorIs(t, err, session.ErrResendThrottled)
	require.Equal(t, 1, f.whatsapp.calls)
}

func TestResendFailureKeepsPendingState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx, smsLogin()))
	f.redis.FastForward(resendCooldown + time.Second)

	f.identity.sendErr = client.ErrUnavailable
	err := f.machine.ResendOTP(ctx)
	require.ErrorIs(t, err, session.ErrServiceUnavailable)

	// an already-dispatched OTP can still be entered
	snap := f.machine.Snapshot()
	require.True(t, snap.OTPRequested)
}

func TestLateDispatchResponseIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.identity.sendStarted = make(chan struct{})
	f.identity.sendRelease = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.machine.Login(ctx, smsLogin())
	}()

	// the user abandons the attempt while dispatch is in flight
	<-f.identity.sendStarted
	f.machine.ResetOTPState()
	close(f.identity.sendRelease)

	require.ErrorIs(t, <-errCh, session.ErrAttemptSuperseded)

	snap := f.machine.Snapshot()
	require.False(t, snap.OTPRequested)
	require.False(t, snap.Authenticated)
}

func TestRehydrateFromStoredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &store.Record{
		Token:  signedToken(t, time.Now().Add(time.Hour)),
		UserID: 42, Name: "Asha Verma", Role: models.RoleAdmin,
		Email: "asha@example.com", Mobile: "9998887777", City: "Pune", State: "Maharashtra",
	}
	require.NoError(t, f.sessions.Save(ctx, "console-2", rec, time.Hour))

	machine := f.registry.Get(ctx, "console-2")
	snap := machine.Snapshot()
	require.True(t, snap.Authenticated)
	require.NotNil(t, snap.Identity)
	require.Equal(t, int64(42), snap.Identity.ID)
	require.NoError(t, machine.CheckAccess(ctx))
}

func TestRehydrateDiscardsExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &store.Record{
		Token:  signedToken(t, time.Now().Add(-time.Minute)),
		UserID: 42, Name: "Asha Verma", Role: models.RoleAdmin,
	}
	require.NoError(t, f.sessions.Save(ctx, "console-3", rec, time.Hour))

	machine := f.registry.Get(ctx, "console-3")
	require.False(t, machine.Snapshot().Authenticated)

	_, err := f.sessions.Load(ctx, "console-3")
	require.ErrorIs(t, err, store.ErrNoSession)
}

func TestWarmup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &store.Record{
		Token:  signedToken(t, time.Now().Add(time.Hour)),
		UserID: 7, Name: "Warm Console", Role: models.RoleStaff,
	}
	require.NoError(t, f.sessions.Save(ctx, "console-warm", rec, time.Hour))

	require.NoError(t, f.registry.Warmup(ctx))
	require.True(t, f.registry.Get(ctx, "console-warm").Snapshot().Authenticated)
}
