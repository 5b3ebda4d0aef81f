package breaker

import (
	"context"
	"time"
)

// Breaker states. A service starts closed and is lazily created on first use.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// State is the persisted per-service health record.
type State struct {
	State         string
	FailureCount  int
	SuccessCount  int
	LastFailureAt *time.Time
	LastSuccessAt *time.Time
}

// Store persists breaker state in a shared key-value store so it survives
// short-lived processor invocations. Benign races between overlapping
// invocations are tolerated; this is a protective heuristic, not a quota.
type Store interface {
	Get(ctx context.Context, service string) (State, bool, error)
	Put(ctx context.Context, service string, st State) error
}

// Breaker guards calls to unreliable downstream services. After
// failureThreshold consecutive failures it opens; once recoveryTimeout has
// elapsed the next Allow admits a single probe via half_open, and the probe's
// outcome settles the state.
type Breaker struct {
	store            Store
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// New constructs a breaker with the given policy.
func New(store Store, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 5 * time.Minute
	}
	return &Breaker{
		store:            store,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call to the service may proceed. An open breaker
// whose recovery timeout has elapsed transitions to half_open and admits the
// probe call.
func (b *Breaker) Allow(ctx context.Context, service string) (bool, error) {
	st, found, err := b.store.Get(ctx, service)
	if err != nil {
		return false, err
	}
	if !found || st.State == "" {
		st.State = StateClosed
	}

	switch st.State {
	case StateOpen:
		if st.LastFailureAt != nil && b.now().After(st.LastFailureAt.Add(b.recoveryTimeout)) {
			st.State = StateHalfOpen
			if err := b.store.Put(ctx, service, st); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	case StateHalfOpen:
		return true, nil
	default:
		return true, nil
	}
}

// RecordSuccess settles the breaker after a successful downstream call.
// A half_open success closes the breaker; the consecutive failure count
// resets whenever the breaker is closed.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) error {
	st, _, err := b.store.Get(ctx, service)
	if err != nil {
		return err
	}
	now := b.now()
	st.SuccessCount++
	st.LastSuccessAt = &now
	st.State = StateClosed
	st.FailureCount = 0
	return b.store.Put(ctx, service, st)
}

// RecordFailure counts a failed downstream call. Any non-2xx or transport
// failure counts; a half_open failure reopens immediately.
func (b *Breaker) RecordFailure(ctx context.Context, service string) error {
	st, found, err := b.store.Get(ctx, service)
	if err != nil {
		return err
	}
	if !found || st.State == "" {
		st.State = StateClosed
	}
	now := b.now()
	st.LastFailureAt = &now

	switch st.State {
	case StateHalfOpen:
		st.State = StateOpen
	default:
		st.FailureCount++
		if st.FailureCount >= b.failureThreshold {
			st.State = StateOpen
		}
	}
	return b.store.Put(ctx, service, st)
}
