// Package token provides the push token directory backed by Redis. Each user
// has at most one current token, stored as a hash:
//
//	Key:    push:token:<user_id>
//	Fields: token, updated_at (unix millis)
//
// Writes are last-write-wins. Invalidation is compare-and-delete so a token
// refreshed by the client in the meantime is never removed.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenPrefix is the Redis key prefix for token records.
const TokenPrefix = "push:token:"

var (
	// ErrNotFound means the user has no current token.
	ErrNotFound = errors.New("token: not found")

	// ErrUnavailable wraps backend failures. Callers must treat it as
	// retryable, never as ErrNotFound.
	ErrUnavailable = errors.New("token: directory unavailable")
)

// PushToken is the current delivery token of a user.
type PushToken struct {
	UserID    string
	Token     string
	UpdatedAt time.Time
}

// Directory manages push tokens in Redis.
type Directory struct {
	client           *redis.Client
	invalidateScript *redis.Script
	now              func() time.Time
}

// NewDirectory creates a directory using the provided Redis client.
func NewDirectory(client *redis.Client) *Directory {
	return &Directory{
		client:           client,
		invalidateScript: redis.NewScript(invalidateLua),
		now:              time.Now,
	}
}

// Lookup returns the user's current token or ErrNotFound.
func (d *Directory) Lookup(ctx context.Context, userID string) (PushToken, error) {
	result, err := d.client.HGetAll(ctx, TokenPrefix+userID).Result()
	if err != nil {
		return PushToken{}, fmt.Errorf("token: lookup %s: %w: %w", userID, ErrUnavailable, err)
	}
	tok := result["token"]
	if tok == "" {
		return PushToken{}, ErrNotFound
	}

	var updated time.Time
	if ms, err := strconv.ParseInt(result["updated_at"], 10, 64); err == nil {
		updated = time.UnixMilli(ms)
	}

	return PushToken{UserID: userID, Token: tok, UpdatedAt: updated}, nil
}

// Register stores token as the user's current token, replacing any
// previous one.
func (d *Directory) Register(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return fmt.Errorf("token: register: user id and token are required")
	}
	err := d.client.HSet(ctx, TokenPrefix+userID,
		"token", token,
		"updated_at", d.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("token: register %s: %w: %w", userID, ErrUnavailable, err)
	}
	return nil
}

// Invalidate removes the user's token only if it still equals token.
// Returns whether a record was removed.
func (d *Directory) Invalidate(ctx context.Context, userID, token string) (bool, error) {
	n, err := d.invalidateScript.Run(ctx, d.client, []string{TokenPrefix + userID}, token).Int()
	if err != nil {
		return false, fmt.Errorf("token: invalidate %s: %w: %w", userID, ErrUnavailable, err)
	}
	return n == 1, nil
}

// Delete removes the user's token unconditionally (operator use).
func (d *Directory) Delete(ctx context.Context, userID string) error {
	if err := d.client.Del(ctx, TokenPrefix+userID).Err(); err != nil {
		return fmt.Errorf("token: delete %s: %w: %w", userID, ErrUnavailable, err)
	}
	return nil
}

// invalidateLua deletes the record only when the stored token matches.
const invalidateLua = `
local current = redis.call('HGET', KEYS[1], 'token')
if not current then return 0 end
if current ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`
