package episode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStoreUnavailable is wrapped by every *UnavailableError.
var ErrStoreUnavailable = errors.New("episode store unavailable")

// ErrInvalidEpisode marks episodes rejected before reaching the backend.
var ErrInvalidEpisode = errors.New("invalid episode")

// UnavailableError reports an operation that still failed after the bounded
// retry.
type UnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", ErrStoreUnavailable, e.Op, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the last backend error.
func (e *UnavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// RetryPolicy bounds how long a store operation may take to fail.
type RetryPolicy struct {
	Attempts  int           // total tries, at least 1
	Backoff   time.Duration // wait before the second try; doubles after each failure
	OpTimeout time.Duration // deadline for a single try; 0 disables
}

// DefaultRetryPolicy is used for zero-valued fields.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond, OpTimeout: 2 * time.Second}

// Store wraps a Repository with per-patient write serialization and bounded
// retry. Writes for one patient happen one at a time; different patients
// never wait on each other.
type Store struct {
	repo   Repository
	policy RetryPolicy
	logger zerolog.Logger
	locks  *keyedMutex
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewStore returns a Store over repo.
func NewStore(repo Repository, policy RetryPolicy, logger zerolog.Logger) *Store {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy.Backoff
	}
	return &Store{
		repo:   repo,
		policy: policy,
		logger: logger.With().Str("component", "episode_store").Logger(),
		locks:  newKeyedMutex(),
		sleep:  sleepCtx,
	}
}

// Insert stores e idempotently. Validation failures are returned as-is
// (wrapping ErrInvalidEpisode); backend failures that persist past the retry
// budget come back as *UnavailableError.
func (s *Store) Insert(ctx context.Context, e *Episode) (InsertOutcome, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}

	unlock, err := s.locks.lock(ctx, e.PersonID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var outcome InsertOutcome
	err = s.retry(ctx, "insert", func(ctx context.Context) error {
		o, err := s.repo.Insert(ctx, e)
		outcome = o
		return err
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// ListByPatient returns the patient's episodes, most recent first.
func (s *Store) ListByPatient(ctx context.Context, personID int64) ([]*Episode, error) {
	var out []*Episode
	err := s.retry(ctx, "list", func(ctx context.Context) error {
		eps, err := s.repo.ListByPatient(ctx, personID)
		out = eps
		return err
	})
	return out, err
}

// LatestValue returns the most recent value in class for the patient.
func (s *Store) LatestValue(ctx context.Context, personID int64, class ConceptClass) (*Observation, bool, error) {
	var (
		obs   *Observation
		found bool
	)
	err := s.retry(ctx, "latest_value", func(ctx context.Context) error {
		o, ok, err := s.repo.LatestValue(ctx, personID, class)
		obs, found = o, ok
		return err
	})
	return obs, found, err
}

// Ping checks the backend once, within the per-attempt timeout.
func (s *Store) Ping(ctx context.Context) error {
	if s.policy.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.OpTimeout)
		defer cancel()
	}
	return s.repo.Ping(ctx)
}

func (s *Store) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.policy.Backoff
	var lastErr error

	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		err := s.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidEpisode) {
			return err
		}
		if ctx.Err() != nil {
			return &UnavailableError{Op: op, Attempts: attempt, Err: ctx.Err()}
		}
		lastErr = err

		if attempt == s.policy.Attempts {
			break
		}
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("episode store operation failed, retrying")
		if err := s.sleep(ctx, backoff); err != nil {
			return &UnavailableError{Op: op, Attempts: attempt, Err: err}
		}
		backoff *= 2
	}

	return &UnavailableError{Op: op, Attempts: s.policy.Attempts, Err: lastErr}
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.policy.OpTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.policy.OpTimeout)
	defer cancel()
	return fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keyedMutex hands out one mutex per key. Entries are dropped when the last
// holder or waiter releases them, so the map only holds active patients.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedEntry)}
}

func (k *keyedMutex) lock(ctx context.Context, key int64) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.release(key, e)
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key int64, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
