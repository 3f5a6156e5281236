package jobs

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idLength is the number of leading uuid characters kept as a job id.
const idLength = 8

// Store is the concurrent registry of job records. It is the only state shared
// between request handlers and background units, and every update is applied
// atomically under its lock. Records are never deleted.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*Record
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobs:   make(map[string]*Record),
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the clock used for created_at. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create inserts a pending job for provider and returns a copy of the new record.
func (s *Store) Create(provider string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	for s.jobs[id] != nil {
		id = newID()
	}

	rec := &Record{
		ID:        id,
		Provider:  provider,
		Status:    StatusPending,
		CreatedAt: s.now(),
		Message:   "job created",
		Progress:  0,
	}
	s.jobs[id] = rec

	s.logger.Debug("job created", slog.String("job_id", id), slog.String("provider", provider))
	return *rec
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records, newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Update applies the supplied fields of u to the record for id.
// Unknown ids are ignored. Updates that would break the lifecycle are dropped whole:
// a status change outside pending→running→{completed,failed} or pending→failed, any
// change to a terminal record, and a completion without an output file.
// Progress never decreases while a job is active and is clamped to 0-100.
// The output file is only recorded together with the completed status.
func (s *Store) Update(id string, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		s.logger.Debug("update for unknown job ignored", slog.String("job_id", id))
		return
	}

	next := rec.Status
	if u.Status != nil {
		next = *u.Status
	}
	if !canTransition(rec.Status, next) {
		s.logger.Warn("job update rejected",
			slog.String("job_id", id),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(next)),
		)
		return
	}
	if next == StatusCompleted && (u.OutputFile == nil || *u.OutputFile == "") {
		s.logger.Warn("completion without output file rejected", slog.String("job_id", id))
		return
	}

	rec.Status = next
	if u.Message != nil {
		rec.Message = *u.Message
	}
	if u.Progress != nil {
		pct := min(max(*u.Progress, 0), 100)
		if pct > rec.Progress {
			rec.Progress = pct
		}
	}
	if next == StatusCompleted {
		rec.Progress = 100
		rec.OutputFile = *u.OutputFile
	}
}

func newID() string {
	return uuid.NewString()[:idLength]
}
