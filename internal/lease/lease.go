package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrHeld indicates another deployment-mutating operation holds the model's
// lease. Callers fail fast instead of queueing.
var ErrHeld = errors.New("lease: already held")

// Manager hands out per-model exclusive leases. At most one deployment-
// mutating operation runs per model at a time; the TTL bounds how long a
// crashed holder can block others.
type Manager interface {
	Acquire(ctx context.Context, modelID string) (Lease, error)
	Close() error
}

// Lease is a held claim. Release is safe to call once; an expired lease
// releases as a no-op.
type Lease interface {
	Release(ctx context.Context) error
}

const keyPrefix = "modelhelm:lease:"

// releaseScript deletes the lease key only when the stored token matches,
// so a holder cannot release a lease that expired and was re-acquired.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

type redisManager struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewRedis constructs a redis-backed lease manager and verifies connectivity.
func NewRedis(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (Manager, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "lease")
	}
	return &redisManager{client: client, logger: logger, ttl: ttl}, nil
}

func (m *redisManager) Acquire(ctx context.Context, modelID string) (Lease, error) {
	if modelID == "" {
		return nil, fmt.Errorf("model id required")
	}
	key := keyPrefix + modelID
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", modelID, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: m.client, logger: m.logger, key: key, token: token}, nil
}

func (m *redisManager) Close() error {
	return m.client.Close()
}

type redisLease struct {
	client *redis.Client
	logger *slog.Logger
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	released, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if released == 0 && l.logger != nil {
		l.logger.Warn("lease expired before release", "key", l.key)
	}
	return nil
}
