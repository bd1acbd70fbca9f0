package partition

import (
	"sync"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Status is the derived health of a partition.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	// StatusOffline is only ever set by an administrative action.
	StatusOffline Status = "offline"
)

// Archiver receives envelopes trimmed from the head of a log once they have
// been fully dispatched. Implementations must not block.
type Archiver interface {
	Archive(partitionID int, envelopes []event.Envelope)
}

// LogConfig holds the tunables shared by every partition log.
type LogConfig struct {
	// LoadWindow is the rolling window over which CurrentLoad counts appends.
	LoadWindow time.Duration
	// DegradedRatio is the backlog/capacity ratio above which a partition is degraded.
	DegradedRatio float64
	// MaxRetained bounds how many fully dispatched envelopes stay in memory.
	// Zero keeps everything.
	MaxRetained int
}

// Snapshot is a read-only view of a partition's counters.
type Snapshot struct {
	ID          int    `json:"id"`
	Status      Status `json:"status"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"currentLoad"`
	Backlog     int    `json:"backlog"`
	Appended    uint64 `json:"appended"`
	Retained    int    `json:"retained"`
}

type logEntry struct {
	env     event.Envelope
	seq     uint64
	pending int
}

// Log is the append-only, in-memory sequence of envelopes for one partition.
// Append is the single serialisation point for the partition: anything run in
// the onAppend callback observes envelopes in append order.
type Log struct {
	spec     Spec
	cfg      LogConfig
	clock    clockwork.Clock
	archiver Archiver
	logger   zerolog.Logger

	mu          sync.Mutex
	entries     []*logEntry
	inflight    map[string]*logEntry
	appendTimes []time.Time
	appended    uint64
	status      Status
	offline     bool
}

// NewLog creates an empty log for spec. archiver may be nil.
func NewLog(spec Spec, cfg LogConfig, clock clockwork.Clock, archiver Archiver, logger zerolog.Logger) *Log {
	if cfg.LoadWindow <= 0 {
		cfg.LoadWindow = time.Minute
	}
	if cfg.DegradedRatio <= 0 {
		cfg.DegradedRatio = 0.8
	}
	return &Log{
		spec:     spec,
		cfg:      cfg,
		clock:    clock,
		archiver: archiver,
		logger:   logger.With().Str("component", "PartitionLog").Int("partition_id", spec.ID).Logger(),
		inflight: make(map[string]*logEntry),
		status:   StatusActive,
	}
}

// ID returns the partition ID.
func (l *Log) ID() int { return l.spec.ID }

// Append adds env to the log. fanout is the number of consumer deliveries that
// must complete before the envelope leaves the backlog; zero means it is
// dispatched immediately. onAppend runs while the partition is locked and must
// not block. It returns the envelope's sequence number within the partition.
func (l *Log) Append(env event.Envelope, fanout int, onAppend func(seq uint64)) uint64 {
	l.mu.Lock()
	now := l.clock.Now()
	l.appended++
	e := &logEntry{env: env, seq: l.appended, pending: fanout}
	l.entries = append(l.entries, e)
	l.appendTimes = append(l.appendTimes, now)
	l.pruneLoad(now)
	if fanout > 0 {
		l.inflight[env.ID] = e
	}
	if onAppend != nil {
		onAppend(e.seq)
	}
	trimmed := l.trim()
	l.mu.Unlock()

	l.archive(trimmed)
	return e.seq
}

// Complete records that one delivery of envelopeID has finished, whether it
// succeeded or was handed to the failure handler.
func (l *Log) Complete(envelopeID string) {
	l.mu.Lock()
	e, ok := l.inflight[envelopeID]
	if !ok {
		l.mu.Unlock()
		return
	}
	e.pending--
	var trimmed []event.Envelope
	if e.pending <= 0 {
		delete(l.inflight, envelopeID)
		trimmed = l.trim()
	}
	l.mu.Unlock()

	l.archive(trimmed)
}

// Backlog is the number of appended envelopes not yet fully dispatched.
func (l *Log) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// CurrentLoad is the number of envelopes appended within the load window.
func (l *Log) CurrentLoad() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLoad(l.clock.Now())
	return len(l.appendTimes)
}

// Reclassify derives the status from the backlog ratio. An offline partition
// stays offline until it is explicitly reactivated.
func (l *Log) Reclassify() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offline {
		l.status = StatusOffline
		return l.status
	}

	next := StatusActive
	ratio := float64(len(l.inflight)) / float64(l.spec.Capacity)
	if ratio > l.cfg.DegradedRatio {
		next = StatusDegraded
	}
	if next != l.status {
		l.logger.Warn().
			Str("from", string(l.status)).
			Str("to", string(next)).
			Int("backlog", len(l.inflight)).
			Int("capacity", l.spec.Capacity).
			Msg("Partition status changed.")
	}
	l.status = next
	return next
}

// SetOffline toggles the administrative offline flag.
func (l *Log) SetOffline(offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = offline
	if offline {
		l.status = StatusOffline
	} else if l.status == StatusOffline {
		l.status = StatusActive
	}
	l.logger.Info().Bool("offline", offline).Msg("Partition offline flag changed.")
}

// Status returns the status computed by the last Reclassify.
func (l *Log) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Envelopes returns the retained envelopes in append order.
func (l *Log) Envelopes() []event.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Envelope, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.env
	}
	return out
}

// Snapshot returns the current counters.
func (l *Log) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLoad(l.clock.Now())
	return Snapshot{
		ID:          l.spec.ID,
		Status:      l.status,
		Capacity:    l.spec.Capacity,
		CurrentLoad: len(l.appendTimes),
		Backlog:     len(l.inflight),
		Appended:    l.appended,
		Retained:    len(l.entries),
	}
}

// pruneLoad drops append timestamps that fell out of the load window.
// Must be called with l.mu held.
func (l *Log) pruneLoad(now time.Time) {
	cutoff := now.Add(-l.cfg.LoadWindow)
	i := 0
	for i < len(l.appendTimes) && !l.appendTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.appendTimes = l.appendTimes[i:]
	}
}

// trim removes fully dispatched envelopes from the head of the log while the
// log holds more than MaxRetained entries. Must be called with l.mu held.
func (l *Log) trim() []event.Envelope {
	if l.cfg.MaxRetained <= 0 {
		return nil
	}
	var out []event.Envelope
	for len(l.entries) > l.cfg.MaxRetained {
		head := l.entries[0]
		if _, busy := l.inflight[head.env.ID]; busy {
			break
		}
		out = append(out, head.env)
		l.entries[0] = nil
		l.entries = l.entries[1:]
	}
	return out
}

func (l *Log) archive(envs []event.Envelope) {
	if len(envs) == 0 || l.archiver == nil {
		return
	}
	l.logger.Debug().Int("count", len(envs)).Msg("Handing trimmed envelopes to archiver.")
	l.archiver.Archive(l.spec.ID, envs)
}
