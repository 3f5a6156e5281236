package jobs

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

func TestStoreCreateAndGet(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(discardLogger()).WithClock(func() time.Time { return created })

	rec := s.Create("planetary")
	assert.Regexp(t, idPattern, rec.ID)

	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, Record{
		ID:        rec.ID,
		Provider:  "planetary",
		Status:    StatusPending,
		CreatedAt: created,
		Message:   "job created",
		Progress:  0,
	}, got)

	_, ok = s.Get("missing0")
	assert.False(t, ok)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore(discardLogger())
	rec := s.Create("copernicus")

	got, _ := s.Get(rec.ID)
	got.Message = "tampered"
	got.Status = StatusCompleted

	again, _ := s.Get(rec.ID)
	assert.Equal(t, "job created", again.Message)
	assert.Equal(t, StatusPending, again.Status)
}

func TestStoreIDsAreUnique(t *testing.T) {
	s := NewStore(discardLogger())
	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		rec := s.Create("gee_sentinel")
		require.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
	}
	assert.Len(t, s.List(), 2000)
}

func TestStoreUpdateAppliesOnlySuppliedFields(t *testing.T) {
	s := NewStore(discardLogger())
	rec := s.Create("planetary")

	s.Update(rec.ID, Update{Message: ptr("searching")})
	got, _ := s.Get(rec.ID)
	assert.Equal(t, "searching", got.Message)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)

	s.Update(rec.ID, Update{Progress: ptr(15)})
	got, _ = s.Get(rec.ID)
	assert.Equal(t, "searching", got.Message)
	assert.Equal(t, 15, got.Progress)
}

func TestStoreUpdateUnknownIDIsNoop(t *testing.T) {
	s := NewStore(discardLogger())
	assert.NotPanics(t, func() {
		s.Update("deadbeef", Completed("x.tif", "done"))
	})
	assert.Empty(t, s.List())
}

func TestStoreProgressNeverDecreases(t *testing.T) {
	s := NewStore(discardLogger())
	rec := s.Create("copernicus")
	s.Update(rec.ID, Started("starting"))

	for _, pct := range []int{10, 60, 75, 70, 65, 90, 150, -3} {
		s.Update(rec.ID, Progressed(pct, fmt.Sprintf("at %d", pct)))
	}

	got, _ := s.Get(rec.ID)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "at -3", got.Message)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestStoreTransitions(t *testing.T) {
	tests := []struct {
		name   string
		steps  []Update
		status Status
	}{
		{"pending to running", []Update{Started("starting")}, StatusRunning},
		{"pending to failed", []Update{Failed("bad aoi")}, StatusFailed},
		{"running to completed", []Update{Started("starting"), Completed("out.tif", "done")}, StatusCompleted},
		{"running to failed", []Update{Started("starting"), Failed("boom")}, StatusFailed},
		{"pending to completed rejected", []Update{Completed("out.tif", "done")}, StatusPending},
		{"running back to pending rejected", []Update{Started("starting"), {Status: ptr(StatusPending)}}, StatusRunning},
		{"completed is frozen", []Update{Started("s"), Completed("out.tif", "done"), Failed("late")}, StatusCompleted},
		{"failed is frozen", []Update{Started("s"), Failed("boom"), Completed("out.tif", "done")}, StatusFailed},
		{"completion without file rejected", []Update{Started("s"), {Status: ptr(StatusCompleted)}}, StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(discardLogger())
			rec := s.Create("planetary")
			for _, u := range tt.steps {
				s.Update(rec.ID, u)
			}
			got, _ := s.Get(rec.ID)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestStoreOutputFileOnlyWithCompletion(t *testing.T) {
	s := NewStore(discardLogger())
	rec := s.Create("planetary")
	s.Update(rec.ID, Started("starting"))

	s.Update(rec.ID, Update{OutputFile: ptr("early.tif"), Progress: ptr(50)})
	got, _ := s.Get(rec.ID)
	assert.Empty(t, got.OutputFile)
	assert.Equal(t, 50, got.Progress)

	s.Update(rec.ID, Failed("remote error"))
	got, _ = s.Get(rec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, got.OutputFile)
}

func TestStoreCompletedFreezesProgressAt100(t *testing.T) {
	s := NewStore(discardLogger())
	rec := s.Create("planetary")
	s.Update(rec.ID, Started("starting"))
	s.Update(rec.ID, Progressed(40, "working"))
	s.Update(rec.ID, Update{Status: ptr(StatusCompleted), OutputFile: ptr("result.tif"), Message: ptr("done")})

	got, _ := s.Get(rec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "result.tif", got.OutputFile)

	s.Update(rec.ID, Progressed(10, "late report"))
	got, _ = s.Get(rec.ID)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "done", got.Message)
}

func TestStoreListNewestFirst(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := NewStore(discardLogger()).WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	first := s.Create("gee_sentinel")
	second := s.Create("copernicus")
	third := s.Create("planetary")

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, third.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, first.ID, list[2].ID)
}

func TestStoreEndToEndScenario(t *testing.T) {
	s := NewStore(discardLogger())

	rec := s.Create("planetary")
	assert.Regexp(t, idPattern, rec.ID)

	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.OutputFile)

	s.Update(rec.ID, Started("starting"))
	s.Update(rec.ID, Progressed(100, "done"))
	s.Update(rec.ID, Completed("result.tif", "done"))

	got, _ = s.Get(rec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "result.tif", got.OutputFile)
}

// Readers must only ever observe whole updates. Each writer sets message and
// progress to matching values, so a torn read shows a mismatch.
func TestStoreConcurrentUpdatesAreAtomic(t *testing.T) {
	s := NewStore(discardLogger())

	const jobs = 16
	const steps = 100

	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = s.Create("planetary").ID
		s.Update(ids[i], Started("0"))
	}

	var writers sync.WaitGroup
	for _, id := range ids {
		writers.Add(1)
		go func(id string) {
			defer writers.Done()
			for pct := 1; pct <= steps; pct++ {
				s.Update(id, Progressed(pct, fmt.Sprint(pct)))
			}
		}(id)
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, rec := range s.List() {
					if rec.Message != fmt.Sprint(rec.Progress) {
						t.Errorf("torn read: progress %d message %q", rec.Progress, rec.Message)
						return
					}
				}
			}
		}()
	}

	writers.Wait()
	close(done)
	readers.Wait()

	for _, id := range ids {
		rec, _ := s.Get(id)
		assert.Equal(t, steps, rec.Progress)
	}
}

func TestOutputName(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "copernicus_20250309_140507_1a2b3c4d.tif", OutputName("copernicus", at, "1a2b3c4d"))
}
