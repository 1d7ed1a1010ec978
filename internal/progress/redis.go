package progress

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys and channels; default "broadcast".
	Prefix string
	// TTL of the last-snapshot key.
	TTL     time.Duration
	Timeout time.Duration
}

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisPublisher publishes every snapshot as JSON on "<prefix>:<jobID>" and
// keeps the last one under "<prefix>:last:<jobID>", so dashboards outside the
// process can follow a job.
type RedisPublisher struct {
	client  redisClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	log     logx.Logger
}

var _ broadcast.Observer = (*RedisPublisher)(nil)

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisPublisher(cfg RedisConfig, client redisClient, log logx.Logger) *RedisPublisher {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = "broadcast"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: cfg.TTL, timeout: cfg.Timeout, log: log}
}

func (p *RedisPublisher) Channel(jobID string) string { return p.prefix + ":" + jobID }
func (p *RedisPublisher) LastKey(jobID string) string { return p.prefix + ":last:" + jobID }

func (p *RedisPublisher) Observe(s broadcast.Snapshot) {
	b, err := json.Marshal(s)
	if err != nil {
		p.log.Warn("snapshot encode failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.Channel(s.JobID), b).Err(); err != nil {
		p.log.Debug("redis publish failed", logx.String("job", s.JobID), logx.Err(err))
		return
	}
	if s.Event == broadcast.EventWaiting {
		return
	}
	if err := p.client.Set(ctx, p.LastKey(s.JobID), b, p.ttl).Err(); err != nil {
		p.log.Debug("redis set failed", logx.String("job", s.JobID), logx.Err(err))
	}
}
