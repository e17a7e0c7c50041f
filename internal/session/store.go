package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DirectoryPrefix is the Redis key prefix for all session ownership hashes.
	DirectoryPrefix = "relay:session:"

	// DirectoryTTL is how long an entry survives without a heartbeat refresh.
	DirectoryTTL = 2 * time.Minute

	// Status values mirrored into the directory.
	StatusIdle      = "idle"
	StatusStreaming = "streaming"
)

// claimScript sets the owner only if the id is unclaimed (or already ours)
// and returns the current owner when another instance holds it.
var claimScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'server')
if owner and owner ~= ARGV[1] then
	return owner
end
redis.call('HSET', KEYS[1], 'id', ARGV[2], 'server', ARGV[1], 'status', 'idle', 'created_at', ARGV[3], 'last_active', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return ''
`)

// releaseScript deletes the entry only if this instance owns it.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'server') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Entry is a session ownership record stored in Redis.
type Entry struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"`      // which relay instance holds the stream
	Status     string `redis:"status"`      // idle | streaming
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Directory records session ownership in Redis.
type Directory struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
	ttl        time.Duration
}

// NewDirectory creates a Directory connected to Redis.
func NewDirectory(redisAddr string, serverName string) (*Directory, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewDirectoryWithClient(client, serverName), nil
}

// NewDirectoryWithClient creates a Directory on an existing client.
func NewDirectoryWithClient(client *redis.Client, serverName string) *Directory {
	return &Directory{client: client, serverName: serverName, ttl: DirectoryTTL}
}

// ServerName returns the instance name entries are claimed under.
func (d *Directory) ServerName() string {
	return d.serverName
}

// Claim records this instance as the owner of sessionID. It fails with
// ErrDuplicateSession when another instance holds the id.
func (d *Directory) Claim(ctx context.Context, sessionID string) error {
	key := DirectoryPrefix + sessionID
	now := strconv.FormatInt(time.Now().Unix(), 10)
	owner, err := claimScript.Run(ctx, d.client, []string{key},
		d.serverName, sessionID, now, d.ttl.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("session: claim %s: %w", sessionID, err)
	}
	if owner != "" {
		return fmt.Errorf("%w: %s (held by %s)", ErrDuplicateSession, sessionID, owner)
	}
	return nil
}

// Get retrieves an entry. It returns ErrSessionNotFound for unknown ids.
func (d *Directory) Get(ctx context.Context, sessionID string) (*Entry, error) {
	key := DirectoryPrefix + sessionID
	var entry Entry
	if err := d.client.HGetAll(ctx, key).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return &entry, nil
}

// Owner returns the instance that holds sessionID.
func (d *Directory) Owner(ctx context.Context, sessionID string) (string, error) {
	owner, err := d.client.HGet(ctx, DirectoryPrefix+sessionID, "server").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return owner, err
}

// UpdateStatus mirrors the session state and refreshes the TTL.
func (d *Directory) UpdateStatus(ctx context.Context, sessionID string, status string) error {
	key := DirectoryPrefix + sessionID
	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the entry's TTL.
func (d *Directory) RefreshTTL(ctx context.Context, sessionID string) error {
	return d.client.Expire(ctx, DirectoryPrefix+sessionID, d.ttl).Err()
}

// Release removes the entry if this instance owns it.
func (d *Directory) Release(ctx context.Context, sessionID string) error {
	return releaseScript.Run(ctx, d.client, []string{DirectoryPrefix + sessionID}, d.serverName).Err()
}

// Close closes the Redis connection.
func (d *Directory) Close() error {
	return d.client.Close()
}
