package client

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisScanLock keeps concurrent replicas from scanning for overdue steps at
// the same time. It implements service.ScanLock.
type RedisScanLock struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

func NewRedisScanLock(client *redis.Client, key string, log *logger.Logger) *RedisScanLock {
	if key == "" {
		key = "approvals:escalation-scan"
	}
	return &RedisScanLock{client: client, key: key, log: log.Component("scan_lock")}
}

// TryLock sets the key with a TTL if absent. The TTL bounds how long a
// crashed holder blocks other replicas.
func (l *RedisScanLock) TryLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Unavailable(err, "acquire scan lock")
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
			l.log.Warn().Err(err).Str("key", l.key).Msg("Failed to release scan lock")
		}
	}
	return release, true, nil
}

// Ping checks the Redis connection.
func (l *RedisScanLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
