package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot release someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseService hands out expiring exclusive leases (SET NX PX).
type LeaseService struct {
	client *Client
	logger *zap.Logger
	prefix string
}

// NewLeaseService creates a lease service whose keys start with prefix.
func NewLeaseService(client *Client, logger *zap.Logger, prefix string) *LeaseService {
	if prefix == "" {
		prefix = "lease"
	}
	return &LeaseService{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

func (s *LeaseService) buildKey(name string) string {
	return fmt.Sprintf("%s:%s", s.prefix, name)
}

// Acquire takes the named lease for ttl. ok is false when another holder
// has it. The returned release func is safe to call after expiry.
func (s *LeaseService) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	key := s.buildKey(name)
	token := uuid.NewString()

	set, err := s.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		s.logger.Debug("lease held elsewhere", zap.String("key", key))
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, s.client.rdb, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis release failed: %w", err)
		}
		if n == 0 {
			s.logger.Warn("lease expired before release", zap.String("key", key))
		}
		return nil
	}

	return release, true, nil
}
