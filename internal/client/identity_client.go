package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"session-gateway/internal/config"
	"session-gateway/internal/models"
	"session-gateway/internal/util"
)

// Transport-level failure classes. The session machine maps these onto
// its own error taxonomy.
var (
	ErrUnauthorized = errors.New("upstream rejected credentials")
	ErrOTPRejected  = errors.New("upstream rejected otp")
	ErrUnavailable  = errors.New("upstream unavailable")
	ErrNetwork      = errors.New("upstream network failure")
)

// IdentityClient talks to the identity service: credential check, SMS
// OTP dispatch/verification and profile lookup.
type IdentityClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewIdentityClient(cfg *config.Config, logger *zap.Logger) *IdentityClient {
	return &IdentityClient{
		baseURL: cfg.Upstream.IdentityBaseURL,
		http: &http.Client{
			Timeout: cfg.Upstream.RequestTimeout,
		},
		logger: logger,
	}
}

type loginRequest struct {
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  *models.Identity `json:"user"`
	Token string           `json:"token"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type verifyOTPRequest struct {
	Mobile string `json:"mobile"`
	OTP    string `json:"otp"`
}

// Login exchanges mobile+password for an unconfirmed identity and a
// provisional session token.
func (c *IdentityClient) Login(ctx context.Context, mobile, password string) (*models.Identity, string, error) {
	start := time.Now()

	var out loginResponse
	status, err := c.postJSON(ctx, "/auth/login", loginRequest{Mobile: mobile, Password: password}, &out)
	if err != nil {
		return nil, "", err
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, "", ErrUnauthorized
	case status >= 500:
		return nil, "", fmt.Errorf("%w: login returned %d", ErrUnavailable, status)
	default:
		return nil, "", fmt.Errorf("login returned unexpected status %d", status)
	}

	if out.User == nil || out.Token == "" {
		return nil, "", fmt.Errorf("%w: login response missing user or token", ErrUnavailable)
	}

	c.logger.Debug("Credential check accepted",
		util.Int64("user_id", out.User.ID),
		util.Duration("duration", time.Since(start)),
	)
	return out.User, out.Token, nil
}

// SendOTP asks the identity service to generate and deliver a code over
// SMS. The code itself never reaches this process.
func (c *IdentityClient) SendOTP(ctx context.Context, mobile string) (string, error) {
	endpoint := "/auth/sendOtp?mobile=" + url.QueryEscape(mobile)

	var out messageResponse
	status, err := c.getJSON(ctx, endpoint, &out)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusOK:
		return out.Message, nil
	case status >= 500:
		return "", fmt.Errorf("%w: sendOtp returned %d", ErrUnavailable, status)
	default:
		return "", fmt.Errorf("sendOtp returned unexpected status %d", status)
	}
}

// VerifyOTP submits the user-entered code; the identity service is
// authoritative for the SMS channel.
func (c *IdentityClient) VerifyOTP(ctx context.Context, mobile, code string) error {
	var out messageResponse
	status, err := c.postJSON(ctx, "/auth/verifyOtp", verifyOTPRequest{Mobile: mobile, OTP: code}, &out)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusUnprocessableEntity:
		return ErrOTPRejected
	case status >= 500:
		return fmt.Errorf("%w: verifyOtp returned %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("verifyOtp returned unexpected status %d", status)
	}
}

// Profile fetches the canonical identity record for a confirmed session.
func (c *IdentityClient) Profile(ctx context.Context, userID int64) (*models.Identity, error) {
	endpoint := "/user/profile?user_id=" + strconv.FormatInt(userID, 10)

	var out models.Identity
	status, err := c.getJSON(ctx, endpoint, &out)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		return &out, nil
	case status >= 500:
		return nil, fmt.Errorf("%w: profile returned %d", ErrUnavailable, status)
	default:
		return nil, fmt.Errorf("profile returned unexpected status %d", status)
	}
}

func (c *IdentityClient) postJSON(ctx context.Context, path string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *IdentityClient) getJSON(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *IdentityClient) do(req *http.Request, out interface{}) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}
