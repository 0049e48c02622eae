// Package analytics keeps hourly send-outcome counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	writeTimeout     = 2 * time.Second
	bucketLayout     = "2006010215"
)

// Bucket is one hour of attempt outcomes.
type Bucket struct {
	Hour   time.Time `json:"hour"`
	Sent   int64     `json:"sent"`
	Failed int64     `json:"failed"`
}

type RedisSink struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *zap.Logger
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{
		client:    client,
		prefix:    "mailrelay",
		retention: DefaultRetention,
		logger:    zap.NewNop(),
	}
}

func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	s.retention = d
	return s
}

func (s *RedisSink) WithPrefix(prefix string) *RedisSink {
	s.prefix = prefix
	return s
}

func (s *RedisSink) WithLogger(logger *zap.Logger) *RedisSink {
	s.logger = logger
	return s
}

// Record increments the counter for outcome in the hour containing at.
// Failures are logged; analytics never affects delivery.
func (s *RedisSink) Record(ctx context.Context, outcome domain.AttemptOutcome, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.Write(ctx, outcome, at); err != nil {
		s.logger.Warn("analytics: write failed", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

func (s *RedisSink) Write(ctx context.Context, outcome domain.AttemptOutcome, at time.Time) error {
	key := s.buildKey(outcome, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Counts returns the last hours buckets ending with the one containing now,
// oldest first. Missing keys count as zero.
func (s *RedisSink) Counts(ctx context.Context, now time.Time, hours int) ([]Bucket, error) {
	if hours <= 0 {
		return nil, nil
	}

	start := now.UTC().Truncate(time.Hour).Add(-time.Duration(hours-1) * time.Hour)
	keys := make([]string, 0, hours*2)
	for i := 0; i < hours; i++ {
		h := start.Add(time.Duration(i) * time.Hour)
		keys = append(keys,
			s.buildKey(domain.AttemptOutcomeSent, h),
			s.buildKey(domain.AttemptOutcomeFailed, h))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]Bucket, hours)
	for i := range out {
		out[i] = Bucket{
			Hour:   start.Add(time.Duration(i) * time.Hour),
			Sent:   toInt(vals[2*i]),
			Failed: toInt(vals[2*i+1]),
		}
	}
	return out, nil
}

func (s *RedisSink) buildKey(outcome domain.AttemptOutcome, t time.Time) string {
	return fmt.Sprintf("%s:outcomes:%s:%s", s.prefix, outcome, t.UTC().Format(bucketLayout))
}

func toInt(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

var _ delivery.AnalyticsSink = (*RedisSink)(nil)
