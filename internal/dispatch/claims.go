package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ClaimPrefix is the Redis key prefix for per-message dedupe markers.
	ClaimPrefix = "notify:claim:"

	claimInflight = "inflight"
	claimSent     = "sent"
	claimAcquired = "acquired"
)

// ClaimState is the result of a Claim.
type ClaimState int

const (
	// ClaimAcquired means the caller now owns the dispatch.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another dispatch of the same message is running.
	ClaimInFlight
	// ClaimSent means the message was already delivered.
	ClaimSent
)

// String returns the state's marker name.
func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return claimAcquired
	case ClaimInFlight:
		return claimInflight
	case ClaimSent:
		return claimSent
	}
	return "unknown"
}

// RedisClaims dedupes dispatches per message id across every dispatcher
// instance sharing the Redis.
//
//	Key:   notify:claim:<message_id>
//	Value: "inflight" while a dispatch runs, "sent" once delivered
//	TTL:   inflightTTL while in flight, sentTTL once sent
//
// An in-flight claim expires on its own if the owning process dies, so a
// redelivery can proceed.
type RedisClaims struct {
	client        *redis.Client
	inflightTTL   time.Duration
	sentTTL       time.Duration
	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewRedisClaims creates a claim store. inflightTTL should exceed the
// dispatch budget.
func NewRedisClaims(client *redis.Client, inflightTTL, sentTTL time.Duration) *RedisClaims {
	if inflightTTL <= 0 {
		inflightTTL = 2 * time.Minute
	}
	return &RedisClaims{
		client:        client,
		inflightTTL:   inflightTTL,
		sentTTL:       sentTTL,
		claimScript:   redis.NewScript(claimLua),
		releaseScript: redis.NewScript(releaseClaimLua),
	}
}

// Claim reserves messageID. When the claim is already held it reports
// whether the holder is still running or has delivered the message.
func (c *RedisClaims) Claim(ctx context.Context, messageID string) (ClaimState, error) {
	res, err := c.claimScript.Run(ctx, c.client, []string{ClaimPrefix + messageID},
		claimInflight, c.inflightTTL.Milliseconds()).Text()
	if err != nil {
		return ClaimInFlight, fmt.Errorf("dispatch: claim %s: %w", messageID, err)
	}
	switch res {
	case claimAcquired:
		return ClaimAcquired, nil
	case claimSent:
		return ClaimSent, nil
	default:
		return ClaimInFlight, nil
	}
}

// MarkSent turns the claim into a long-lived sent marker.
func (c *RedisClaims) MarkSent(ctx context.Context, messageID string) error {
	if err := c.client.Set(ctx, ClaimPrefix+messageID, claimSent, c.sentTTL).Err(); err != nil {
		return fmt.Errorf("dispatch: mark sent %s: %w", messageID, err)
	}
	return nil
}

// Release drops an in-flight claim so a redelivery may try again. A sent
// marker is never released.
func (c *RedisClaims) Release(ctx context.Context, messageID string) error {
	if err := c.releaseScript.Run(ctx, c.client, []string{ClaimPrefix + messageID}, claimInflight).Err(); err != nil {
		return fmt.Errorf("dispatch: release %s: %w", messageID, err)
	}
	return nil
}

// claimLua sets the in-flight marker if the key is free, otherwise returns
// the current marker.
const claimLua = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return 'acquired'
end
return redis.call('GET', KEYS[1])
`

const releaseClaimLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// MemoryClaims is a process-local ClaimStore for single-instance runs.
type MemoryClaims struct {
	mu          sync.Mutex
	entries     map[string]memoryClaim
	inflightTTL time.Duration
	sentTTL     time.Duration
	now         func() time.Time
}

type memoryClaim struct {
	sent  bool
	until time.Time
}

// NewMemoryClaims creates an in-memory claim store.
func NewMemoryClaims(inflightTTL, sentTTL time.Duration) *MemoryClaims {
	return &MemoryClaims{
		entries:     make(map[string]memoryClaim),
		inflightTTL: inflightTTL,
		sentTTL:     sentTTL,
		now:         time.Now,
	}
}

// Claim reserves messageID, expiring stale entries first.
func (m *MemoryClaims) Claim(_ context.Context, messageID string) (ClaimState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.until) {
			delete(m.entries, k)
		}
	}
	if e, held := m.entries[messageID]; held {
		if e.sent {
			return ClaimSent, nil
		}
		return ClaimInFlight, nil
	}
	m.entries[messageID] = memoryClaim{until: now.Add(m.inflightTTL)}
	return ClaimAcquired, nil
}

// MarkSent turns the claim into a sent marker that lasts sentTTL.
func (m *MemoryClaims) MarkSent(_ context.Context, messageID string) error {
	m.mu.Lock()
	m.entries[messageID] = memoryClaim{sent: true, until: m.now().Add(m.sentTTL)}
	m.mu.Unlock()
	return nil
}

// Release drops an in-flight claim. Sent markers are kept.
func (m *MemoryClaims) Release(_ context.Context, messageID string) error {
	m.mu.Lock()
	if e, ok := m.entries[messageID]; ok && !e.sent {
		delete(m.entries, messageID)
	}
	m.mu.Unlock()
	return nil
}
