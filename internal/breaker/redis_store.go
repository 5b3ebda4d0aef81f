package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps breaker state in a Redis hash per service so every
// processor invocation observes the same health picture.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a store over an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "breaker:"}
}

func (s *RedisStore) key(service string) string {
	return s.prefix + service
}

// Get reads the persisted state for a service.
func (s *RedisStore) Get(ctx context.Context, service string) (State, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(service)).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("breaker get %s: %w", service, err)
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}

	st := State{State: fields["state"]}
	st.FailureCount, _ = strconv.Atoi(fields["failure_count"])
	st.SuccessCount, _ = strconv.Atoi(fields["success_count"])
	st.LastFailureAt = msField(fields["last_failure_ms"])
	st.LastSuccessAt = msField(fields["last_success_ms"])
	return st, true, nil
}

// Put writes the full state for a service.
func (s *RedisStore) Put(ctx context.Context, service string, st State) error {
	fields := map[string]any{
		"state":         st.State,
		"failure_count": st.FailureCount,
		"success_count": st.SuccessCount,
	}
	if st.LastFailureAt != nil {
		fields["last_failure_ms"] = st.LastFailureAt.UnixMilli()
	}
	if st.LastSuccessAt != nil {
		fields["last_success_ms"] = st.LastSuccessAt.UnixMilli()
	}
	if err := s.client.HSet(ctx, s.key(service), fields).Err(); err != nil {
		return fmt.Errorf("breaker put %s: %w", service, err)
	}
	return nil
}

func msField(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
