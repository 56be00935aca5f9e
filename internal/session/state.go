package session

import (
	"time"

	"session-gateway/internal/models"
)

// Channel is the OTP delivery mechanism.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// AuthState is the aggregate the login flow mutates. All access goes
// through Machine; there are no ambient globals.
//
// Invariants, enforced at every transition:
//   - Authenticated implies Identity, Token and OTPConfirmed are all set.
//   - Provisional fields are non-nil only while OTPRequested and not yet
//     OTPConfirmed.
//   - PendingCodeHash is non-empty only on the WhatsApp channel while a
//     verification is pending.
type AuthState struct {
	Authenticated bool
	Identity      *models.Identity
	Token         string

	ProvisionalIdentity *models.Identity
	ProvisionalToken    string

	// PendingCodeHash holds the argon2 hash of the WhatsApp code for
	// the duration of the pending-verification window. The plaintext is
	// discarded as soon as the dispatch response is hashed.
	PendingCodeHash string

	OTPRequested bool
	OTPConfirmed bool
	Channel      Channel

	Loading   bool
	LastError string
}

func (s *AuthState) pendingVerification() bool {
	return s.OTPRequested && !s.OTPConfirmed
}

// Snapshot is the externally visible view of the aggregate. Tokens and
// code hashes never leave the machine.
type Snapshot struct {
	Authenticated bool             `json:"authenticated"`
	Identity      *models.Identity `json:"identity,omitempty"`
	OTPRequested  bool             `json:"otp_requested"`
	OTPConfirmed  bool             `json:"otp_confirmed"`
	Channel       Channel          `json:"channel,omitempty"`
	Loading       bool             `json:"loading"`
	LastError     string           `json:"last_error,omitempty"`
	TokenExpires  *time.Time       `json:"token_expires,omitempty"`
}
