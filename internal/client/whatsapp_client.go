package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"session-gateway/internal/config"
	"session-gateway/internal/util"
)

// WhatsAppClient dispatches one-time codes through the WhatsApp
// messaging gateway. The gateway's contract echoes the generated code
// back in the dispatch response, which is why WhatsApp verification
// happens locally instead of through the identity service.
type WhatsAppClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewWhatsAppClient(cfg *config.Config, logger *zap.Logger) *WhatsAppClient {
	return &WhatsAppClient{
		baseURL: cfg.Upstream.WhatsAppBaseURL,
		http: &http.Client{
			Timeout: cfg.Upstream.RequestTimeout,
		},
		logger: logger,
	}
}

type whatsappSendRequest struct {
	Mobile      string `json:"mobile"`
	CountryCode string `json:"countryCode"`
}

type whatsappSendResponse struct {
	Data string `json:"data"`
	OTP  string `json:"otp"`
}

// SendOTP requests delivery of a code to the given mobile and returns
// the plaintext code echoed by the gateway. Callers must hash it
// immediately; it is never logged.
func (c *WhatsAppClient) SendOTP(ctx context.Context, mobile, countryCode string) (string, error) {
	start := time.Now()

	payload, err := json.Marshal(whatsappSendRequest{Mobile: mobile, CountryCode: countryCode})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/sendWhatsappOtp", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: sendWhatsappOtp returned %d", ErrUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("sendWhatsappOtp returned unexpected status %d", resp.StatusCode)
	}

	var out whatsappSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if out.OTP == "" {
		return "", fmt.Errorf("%w: gateway response missing otp", ErrUnavailable)
	}

	c.logger.Debug("WhatsApp OTP dispatched",
		util.String("mobile", mobile),
		util.Duration("duration", time.Since(start)),
	)
	return out.OTP, nil
}
