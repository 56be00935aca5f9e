package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"session-gateway/internal/client"
	"session-gateway/internal/models"
	"session-gateway/internal/util"
)

const (
	sessionPrefix    = "session:"
	resendLockPrefix = "otp_resend:"
)

// Fields persisted per established session. Written together in one
// pipeline on the transition into authenticated, deleted together on
// logout or expiry.
var recordFields = []string{
	"token", "user_id", "name", "role", "email", "mobile", "city", "state", "photo_url",
}

// ErrNoSession is returned when no durable record exists for a console.
var ErrNoSession = errors.New("no stored session")

// Record is the durable shape of an established session.
type Record struct {
	Token    string
	UserID   int64
	Name     string
	Role     models.Role
	Email    string
	Mobile   string
	City     string
	State    string
	PhotoURL string
}

// SessionStore persists established sessions in Redis, one namespace
// per console.
type SessionStore struct {
	client *client.RedisClient
	logger *zap.Logger
}

func NewSessionStore(redisClient *client.RedisClient, logger *zap.Logger) *SessionStore {
	return &SessionStore{client: redisClient, logger: logger}
}

func sessionKey(consoleID, field string) string {
	return sessionPrefix + consoleID + ":" + field
}

// Save writes the full record atomically. TTL is derived from the token
// expiry so Redis drops abandoned sessions on its own; the guard remains
// the authoritative expiry check.
func (s *SessionStore) Save(ctx context.Context, consoleID string, rec *Record, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("refusing to persist session with non-positive ttl")
	}

	values := map[string]string{
		"token":     rec.Token,
		"user_id":   strconv.FormatInt(rec.UserID, 10),
		"name":      rec.Name,
		"role":      strconv.Itoa(int(rec.Role)),
		"email":     rec.Email,
		"mobile":    rec.Mobile,
		"city":      rec.City,
		"state":     rec.State,
		"photo_url": rec.PhotoURL,
	}

	pipe := s.client.TxPipeline()
	for field, value := range values {
		pipe.Set(ctx, sessionKey(consoleID, field), value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to persist session record",
			zap.String("console_id", consoleID),
			zap.Error(err))
		return fmt.Errorf("failed to persist session record: %w", err)
	}

	util.Debug("Session record persisted",
		zap.String("console_id", consoleID),
		zap.Duration("ttl", ttl))
	return nil
}

// Load reads the record for a console. A missing token key means no
// session; partially-missing fields are treated the same way since the
// record is only ever written whole.
func (s *SessionStore) Load(ctx context.Context, consoleID string) (*Record, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(recordFields))
	for _, field := range recordFields {
		cmds[field] = pipe.Get(ctx, sessionKey(consoleID, field))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}

	values := make(map[string]string, len(recordFields))
	for field, cmd := range cmds {
		val, err := cmd.Result()
		if err == redis.Nil {
			return nil, ErrNoSession
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session record: %w", err)
		}
		values[field] = val
	}

	userID, err := strconv.ParseInt(values["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record for console %s: %w", consoleID, err)
	}
	role, err := strconv.Atoi(values["role"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session record for console %s: %w", consoleID, err)
	}

	return &Record{
		Token:    values["token"],
		UserID:   userID,
		Name:     values["name"],
		Role:     models.Role(role),
		Email:    values["email"],
		Mobile:   values["mobile"],
		City:     values["city"],
		State:    values["state"],
		PhotoURL: values["photo_url"],
	}, nil
}

// Clear removes every persisted field for a console in one pipeline.
// Clearing an absent record is not an error.
func (s *SessionStore) Clear(ctx context.Context, consoleID string) error {
	keys := make([]string, 0, len(recordFields))
	for _, field := range recordFields {
		keys = append(keys, sessionKey(consoleID, field))
	}

	if err := s.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to clear session record",
			zap.String("console_id", consoleID),
			zap.Error(err))
		return fmt.Errorf("failed to clear session record: %w", err)
	}

	util.Debug("Session record cleared", zap.String("console_id", consoleID))
	return nil
}

// Consoles lists console ids with a persisted session, for warmup at
// process start.
func (s *SessionStore) Consoles(ctx context.Context) ([]string, error) {
	keys, err := s.client.ScanAll(ctx, sessionPrefix+"*:token")
	if err != nil {
		return nil, fmt.Errorf("failed to scan session records: %w", err)
	}

	consoles := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, sessionPrefix), ":token")
		if id != "" {
			consoles = append(consoles, id)
		}
	}
	return consoles, nil
}

// AcquireResendLock takes the per-mobile resend throttle. Returns false
// while a previous dispatch is still inside its cooldown window.
func (s *SessionStore) AcquireResendLock(ctx context.Context, mobile string, cooldown time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, resendLockPrefix+mobile, "locked", cooldown)
	if err != nil {
		return false, fmt.Errorf("failed to acquire resend lock: %w", err)
	}
	return ok, nil
}
