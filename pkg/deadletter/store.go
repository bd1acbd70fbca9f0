// Package deadletter tracks failed deliveries. Each (envelope, consumer) pair
// that fails gets one Entry; entries are retried by periodic sweeps, escalated
// through a notification sender once their failure count reaches a threshold,
// and parked for manual review at the retry ceiling.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/metrics"
	"github.com/illmade-knight/go-eventrouter/pkg/notify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Disposition is the classification of an entry.
type Disposition string

const (
	DispositionRetry        Disposition = "retry"
	DispositionManualReview Disposition = "manualReview"
	DispositionDiscarded    Disposition = "discarded"
)

// ErrEntryNotFound is returned for operations on a key with no entry.
var ErrEntryNotFound = errors.New("dead-letter entry not found")

// Key identifies an entry.
type Key struct {
	EnvelopeID string `json:"envelopeId"`
	ConsumerID string `json:"consumerId"`
}

func (k Key) String() string {
	return k.EnvelopeID + "/" + k.ConsumerID
}

// Entry is one failed delivery.
type Entry struct {
	Key              Key            `json:"key"`
	Envelope         event.Envelope `json:"envelope"`
	ConsumerID       string         `json:"consumerId"`
	ConsumerName     string         `json:"consumerName"`
	FailureReason    string         `json:"failureReason"`
	FailureCount     int            `json:"failureCount"`
	NotificationSent bool           `json:"notificationSent"`
	Disposition      Disposition    `json:"disposition"`
	FirstFailedAt    time.Time      `json:"firstFailedAt"`
	LastFailedAt     time.Time      `json:"lastFailedAt"`
}

// Policy holds the retry and escalation thresholds.
type Policy struct {
	// NotifyThreshold is the failure count at which the escalation fires.
	NotifyThreshold int
	// RetryCeiling is the failure count at which retries stop.
	RetryCeiling int
	// Destination is passed to the notification sender.
	Destination string
	// SweepConcurrency caps the retries a sweep runs at once.
	SweepConcurrency int
}

// ReviewSink receives an entry once, when it reaches manual review.
type ReviewSink interface {
	Export(ctx context.Context, entry Entry) error
}

// Redeliverer retries one delivery synchronously.
type Redeliverer interface {
	Redeliver(ctx context.Context, env event.Envelope, consumerID string) error
}

// Status is the aggregate view of the dead-letter set.
type Status struct {
	Count                 int                 `json:"count"`
	OldestTimestamp       *time.Time          `json:"oldestTimestamp,omitempty"`
	CountsByFailureReason map[string]int      `json:"countsByFailureReason"`
	ByDisposition         map[Disposition]int `json:"byDisposition"`
	Discarded             int                 `json:"discarded"`
	PendingNotifications  int                 `json:"pendingNotifications"`
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Retried       int `json:"retried"`
	Recovered     int `json:"recovered"`
	ManualReview  int `json:"manualReview"`
	Notifications int `json:"notifications"`
}

// Store is the thread-safe dead-letter set.
type Store struct {
	policy   Policy
	sender   notify.Sender
	sink     ReviewSink
	clock    clockwork.Clock
	recorder metrics.Recorder
	logger   zerolog.Logger

	mu        sync.Mutex
	entries   map[Key]*Entry
	notifying map[Key]bool
	discarded int
	sent      int
}

// NewStore creates an empty store. sink may be nil.
func NewStore(policy Policy, sender notify.Sender, sink ReviewSink, clock clockwork.Clock, recorder metrics.Recorder, logger zerolog.Logger) (*Store, error) {
	if sender == nil {
		return nil, errors.New("notification sender cannot be nil")
	}
	if clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if policy.NotifyThreshold <= 0 {
		policy.NotifyThreshold = 3
	}
	if policy.RetryCeiling <= 0 {
		policy.RetryCeiling = 5
	}
	if policy.Destination == "" {
		policy.Destination = "ops"
	}
	if policy.SweepConcurrency <= 0 {
		policy.SweepConcurrency = 8
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Store{
		policy:    policy,
		sender:    sender,
		sink:      sink,
		clock:     clock,
		recorder:  recorder,
		logger:    logger.With().Str("component", "DeadLetterStore").Logger(),
		entries:   make(map[Key]*Entry),
		notifying: make(map[Key]bool),
	}, nil
}

// Policy returns the effective policy.
func (s *Store) Policy() Policy { return s.policy }

// RecordFailure records a failed first-time delivery. A repeat failure for a
// key that already has an entry counts as a retry failure.
func (s *Store) RecordFailure(ctx context.Context, env event.Envelope, consumerID, consumerName string, cause error) {
	key := Key{EnvelopeID: env.ID, ConsumerID: consumerID}
	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		s.mu.Unlock()
		s.RecordRetryFailure(ctx, key, cause)
		return
	}
	now := s.clock.Now()
	s.entries[key] = &Entry{
		Key:           key,
		Envelope:      env.Clone(),
		ConsumerID:    consumerID,
		ConsumerName:  consumerName,
		FailureReason: reason(cause),
		FailureCount:  1,
		Disposition:   DispositionRetry,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	s.mu.Unlock()

	s.recorder.RecordDeadLetter(consumerName)
	s.logger.Warn().Err(cause).Str("envelope_id", env.ID).Str("consumer_id", consumerID).Str("consumer", consumerName).Msg("Delivery dead-lettered.")
	s.afterFailure(ctx, key)
}

// RecordRetryFailure increments the failure count of an existing entry.
func (s *Store) RecordRetryFailure(ctx context.Context, key Key, cause error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.FailureCount++
	e.FailureReason = reason(cause)
	e.LastFailedAt = s.clock.Now()
	count := e.FailureCount
	s.mu.Unlock()

	s.logger.Debug().Err(cause).Str("entry", key.String()).Int("failure_count", count).Msg("Retry failed.")
	s.afterFailure(ctx, key)
}

// afterFailure applies the ceiling and threshold rules after a count change.
func (s *Store) afterFailure(ctx context.Context, key Key) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	var export *Entry
	if e.Disposition == DispositionRetry && e.FailureCount >= s.policy.RetryCeiling {
		e.Disposition = DispositionManualReview
		c := *e
		export = &c
	}
	s.mu.Unlock()

	if export != nil {
		s.logger.Error().
			Str("envelope_id", key.EnvelopeID).
			Str("consumer_id", key.ConsumerID).
			Int("failure_count", export.FailureCount).
			Str("failure_reason", export.FailureReason).
			Msg("Retry ceiling reached, entry parked for manual review.")
		s.exportForReview(ctx, *export)
	}
	s.escalate(ctx, key)
}

func (s *Store) exportForReview(ctx context.Context, e Entry) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Export(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("entry", e.Key.String()).Msg("Failed to export entry for manual review.")
	}
}

// escalate sends the notification for key if it is due. It reports whether a
// send succeeded.
func (s *Store) escalate(ctx context.Context, key Key) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.NotificationSent || s.notifying[key] || e.FailureCount < s.policy.NotifyThreshold {
		s.mu.Unlock()
		return false
	}
	s.notifying[key] = true
	msg := fmt.Sprintf("delivery of %s event %s to consumer %s (%s) has failed %d times: %s",
		e.Envelope.Type, e.Envelope.ID, e.ConsumerName, e.ConsumerID, e.FailureCount, e.FailureReason)
	s.mu.Unlock()

	err := s.sender.Send(ctx, s.policy.Destination, msg)
	s.recorder.RecordNotification(err == nil)

	s.mu.Lock()
	delete(s.notifying, key)
	if err == nil {
		s.sent++
		if e, ok := s.entries[key]; ok {
			e.NotificationSent = true
		}
	}
	s.mu.Unlock()

	if err != nil {
		// The entry stays unnotified so a later sweep tries again.
		s.logger.Error().Err(err).Str("entry", key.String()).Msg("Escalation notification failed.")
		return false
	}
	s.logger.Info().Str("entry", key.String()).Str("destination", s.policy.Destination).Msg("Escalation notification sent.")
	return true
}

// EscalatePending retries notifications that are due but have not been sent.
func (s *Store) EscalatePending(ctx context.Context) int {
	sent := 0
	for _, key := range s.pendingNotificationKeys() {
		if s.escalate(ctx, key) {
			sent++
		}
	}
	return sent
}

func (s *Store) pendingNotificationKeys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for k, e := range s.entries {
		if !e.NotificationSent && e.FailureCount >= s.policy.NotifyThreshold {
			keys = append(keys, k)
		}
	}
	sortKeys(keys, s.entries)
	return keys
}

// Due returns the entries eligible for an automatic retry, oldest first.
func (s *Store) Due() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Disposition == DispositionRetry && e.FailureCount < s.policy.RetryCeiling {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out
}

// Resolve removes an entry after a successful retry.
func (s *Store) Resolve(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.logger.Info().Str("entry", key.String()).Msg("Dead-letter entry recovered.")
	return true
}

// Discard removes an entry administratively. A later failure of the same
// delivery creates a fresh entry.
func (s *Store) Discard(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	delete(s.entries, key)
	s.discarded++
	s.logger.Info().Str("entry", key.String()).Msg("Dead-letter entry discarded.")
	return nil
}

// ErrRetryInterrupted is returned by Retry when ctx ended during the attempt.
// The entry is left as it was.
var ErrRetryInterrupted = errors.New("retry interrupted")

// Retry performs one retry of the entry for key through r and updates the
// entry with the outcome. Entries in any disposition may be retried this way;
// it is the operation behind both the sweep and an administrative replay.
func (s *Store) Retry(ctx context.Context, key Key, r Redeliverer) (recovered bool, err error) {
	e, ok := s.Get(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	rerr := r.Redeliver(ctx, e.Envelope.Clone(), e.ConsumerID)
	if rerr != nil && ctx.Err() != nil && errors.Is(rerr, context.Canceled) {
		s.logger.Debug().Str("entry", key.String()).Msg("Retry interrupted by shutdown, not counted.")
		return false, fmt.Errorf("%w: %s", ErrRetryInterrupted, key)
	}
	s.recorder.RecordRetry(e.ConsumerName, rerr == nil)
	if rerr == nil {
		s.Resolve(key)
		return true, nil
	}
	s.RecordRetryFailure(ctx, key, rerr)
	return false, nil
}

// Sweep retries every due entry once and then re-attempts any escalation
// notifications that previously failed. Up to Policy.SweepConcurrency retries
// run at once, so a handful of hung consumers hold the sweep for about one
// dispatch timeout rather than one per entry.
func (s *Store) Sweep(ctx context.Context, r Redeliverer) SweepResult {
	var (
		res   SweepResult
		resMu sync.Mutex
		wg    sync.WaitGroup
	)
	sentBefore := s.notificationsSent()
	slots := make(chan struct{}, s.policy.SweepConcurrency)

	for _, e := range s.Due() {
		select {
		case <-ctx.Done():
		case slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(key Key) {
			defer wg.Done()
			defer func() { <-slots }()
			recovered, err := s.Retry(ctx, key, r)

			resMu.Lock()
			defer resMu.Unlock()
			if errors.Is(err, ErrRetryInterrupted) {
				return
			}
			res.Retried++
			if err != nil {
				// resolved or discarded concurrently
				return
			}
			if recovered {
				res.Recovered++
				return
			}
			if cur, ok := s.Get(key); ok && cur.Disposition == DispositionManualReview {
				res.ManualReview++
			}
		}(e.Key)
	}
	wg.Wait()

	if ctx.Err() == nil {
		s.EscalatePending(ctx)
	}
	res.Notifications = s.notificationsSent() - sentBefore
	return res
}

func (s *Store) notificationsSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of every entry, oldest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

// Count is the number of entries in the set.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Status returns the aggregate view.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Count:                 len(s.entries),
		CountsByFailureReason: make(map[string]int),
		ByDisposition:         make(map[Disposition]int),
		Discarded:             s.discarded,
	}
	for _, e := range s.entries {
		st.CountsByFailureReason[e.FailureReason]++
		st.ByDisposition[e.Disposition]++
		if !e.NotificationSent && e.FailureCount >= s.policy.NotifyThreshold {
			st.PendingNotifications++
		}
		if st.OldestTimestamp == nil || e.FirstFailedAt.Before(*st.OldestTimestamp) {
			t := e.FirstFailedAt
			st.OldestTimestamp = &t
		}
	}
	return st
}

func reason(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].FirstFailedAt.Equal(es[j].FirstFailedAt) {
			return es[i].FirstFailedAt.Before(es[j].FirstFailedAt)
		}
		return es[i].Key.String() < es[j].Key.String()
	})
}

func sortKeys(keys []Key, entries map[Key]*Entry) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]], entries[keys[j]]
		if !a.FirstFailedAt.Equal(b.FirstFailedAt) {
			return a.FirstFailedAt.Before(b.FirstFailedAt)
		}
		return keys[i].String() < keys[j].String()
	})
}
