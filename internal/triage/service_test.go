package triage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/memstore"
	redisclient "github.com/hackgods/triage-telemetry/internal/redis"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func passThroughLocker(ctrl *gomock.Controller) *redisclient.MockLocker {
	locker := redisclient.NewMockLocker(ctrl)
	locker.EXPECT().
		WithEncounterLock(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
			return fn(ctx)
		}).
		AnyTimes()
	return locker
}

func newTestService(t *testing.T) (*triage.Service, *memstore.Store) {
	t.Helper()

	ctrl := gomock.NewController(t)
	store := memstore.New()
	clock := &stepClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	svc := triage.NewService(store, passThroughLocker(ctrl), zap.NewNop())
	triage.SetClock(svc, clock.Now)
	return svc, store
}

func register(t *testing.T, svc *triage.Service, store *memstore.Store, name, severity string) uuid.UUID {
	t.Helper()

	patientID := store.AddPatient(name, "Test")
	enc, _, err := svc.Register(context.Background(), patientID, severity, nil)
	require.NoError(t, err)
	return enc.ID
}

func waitingIDs(t *testing.T, svc *triage.Service) []uuid.UUID {
	t.Helper()

	entries, err := svc.ListWaiting(context.Background(), 0)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Encounter.ID)
	}
	return ids
}

func TestListWaiting_SeverityThenArrival(t *testing.T) {
	svc, store := newTestService(t)

	green1 := register(t, svc, store, "Green1", "GREEN")
	red1 := register(t, svc, store, "Red1", "RED")
	yellow := register(t, svc, store, "Yellow", "YELLOW")
	red2 := register(t, svc, store, "Red2", "red")
	green2 := register(t, svc, store, "Green2", "GREEN")

	assert.Equal(t, []uuid.UUID{red1, red2, yellow, green1, green2}, waitingIDs(t, svc))
}

func TestListWaiting_IncludesPatientName(t *testing.T) {
	svc, store := newTestService(t)
	register(t, svc, store, "Ada", "YELLOW")

	entries, err := svc.ListWaiting(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "Ada Test", entries[0].PatientName)
	assert.Equal(t, 2, entries[0].Entry.Priority)
	assert.Equal(t, triage.StatusWaiting, entries[0].Entry.Status)
}

func TestRegister_EmptySeverityQueuesGreen(t *testing.T) {
	svc, store := newTestService(t)
	patientID := store.AddPatient("No", "Label")

	enc, entry, err := svc.Register(context.Background(), patientID, "", nil)
	require.NoError(t, err)

	assert.Equal(t, triage.SeverityGreen, enc.Severity)
	assert.Equal(t, 3, entry.Priority)
	assert.Equal(t, triage.StatusWaiting, entry.Status)
}

func TestRegister_Rejections(t *testing.T) {
	svc, store := newTestService(t)

	_, _, err := svc.Register(context.Background(), store.AddPatient("A", "B"), "ORANGE", nil)
	assert.ErrorIs(t, err, triage.ErrInvalidSeverity)

	_, _, err = svc.Register(context.Background(), uuid.New(), "RED", nil)
	assert.ErrorIs(t, err, triage.ErrPatientNotFound)

	assert.Empty(t, waitingIDs(t, svc))
}

func TestRegister_RecordsEvent(t *testing.T) {
	svc, store := newTestService(t)
	id := register(t, svc, store, "Evt", "RED")

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, triage.EventRegistered, events[0].EventType)
	assert.Equal(t, id, events[0].EncounterID)
	assert.JSONEq(t, `{"patient_id":"`+mustPatient(t, svc, id).String()+`","severity":"RED","priority":1}`, string(events[0].Payload))
}

func mustPatient(t *testing.T, svc *triage.Service, id uuid.UUID) uuid.UUID {
	t.Helper()
	enc, err := svc.GetEncounter(context.Background(), id)
	require.NoError(t, err)
	return enc.PatientID
}

func TestEnqueue_SecondEntryIsDuplicate(t *testing.T) {
	svc, store := newTestService(t)
	encID := store.AddEncounter(store.AddPatient("Dup", "Entry"), triage.SeverityYellow)

	entry, err := svc.Enqueue(context.Background(), encID, triage.SeverityYellow)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Priority)

	_, err = svc.Enqueue(context.Background(), encID, triage.SeverityYellow)
	assert.ErrorIs(t, err, triage.ErrDuplicateQueueEntry)

	assert.Len(t, waitingIDs(t, svc), 1)
}

func TestEnqueue_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), uuid.New(), triage.Severity("BLUE"))
	assert.ErrorIs(t, err, triage.ErrInvalidSeverity)

	_, err = svc.Enqueue(context.Background(), uuid.New(), triage.SeverityRed)
	assert.ErrorIs(t, err, triage.ErrEncounterNotFound)
}

func TestRetriage_PriorityFollowsSeverity(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	e := register(t, svc, store, "E", "RED")
	yellow := register(t, svc, store, "Later", "YELLOW")
	red := register(t, svc, store, "Red", "RED")

	enc, entry, err := svc.Retriage(ctx, e, "GREEN")
	require.NoError(t, err)
	assert.Equal(t, triage.SeverityGreen, enc.Severity)
	require.NotNil(t, enc.TriagedAt)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.Priority)

	stored, err := store.GetQueueEntry(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, enc.Severity.Priority(), stored.Priority)

	assert.Equal(t, []uuid.UUID{red, yellow, e}, waitingIDs(t, svc))
}

func TestRetriage_InvalidSeverityLeavesEncounter(t *testing.T) {
	svc, store := newTestService(t)
	id := register(t, svc, store, "Keep", "YELLOW")

	_, _, err := svc.Retriage(context.Background(), id, "PURPLE")
	assert.ErrorIs(t, err, triage.ErrInvalidSeverity)

	enc, err := svc.GetEncounter(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, triage.SeverityYellow, enc.Severity)
	assert.Nil(t, enc.TriagedAt)
}

func TestRetriage_UnknownEncounter(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Retriage(context.Background(), uuid.New(), "RED")
	assert.ErrorIs(t, err, triage.ErrEncounterNotFound)
}

func TestCall_IsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	id := register(t, svc, store, "Call", "RED")

	called, err := svc.Call(ctx, id)
	require.NoError(t, err)
	assert.True(t, called)

	first, err := svc.GetEncounter(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first.CalledAt)

	called, err = svc.Call(ctx, id)
	require.NoError(t, err)
	assert.False(t, called)

	second, err := svc.GetEncounter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, *first.CalledAt, *second.CalledAt)

	entry, err := store.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCalled, entry.Status)
	assert.Empty(t, waitingIDs(t, svc))
}

func TestCall_ClosedEntryIsNoop(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	id := register(t, svc, store, "Gone", "GREEN")

	closed, err := svc.Close(ctx, id, triage.StatusCancelled)
	require.NoError(t, err)
	assert.True(t, closed)

	called, err := svc.Call(ctx, id)
	require.NoError(t, err)
	assert.False(t, called)

	enc, err := svc.GetEncounter(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, enc.CalledAt)
}

func TestClose_RemovesFromWaiting(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	keep := register(t, svc, store, "Keep", "RED")
	done := register(t, svc, store, "Done", "RED")

	closed, err := svc.Close(ctx, done, triage.StatusDone)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, []uuid.UUID{keep}, waitingIDs(t, svc))

	closed, err = svc.Close(ctx, done, triage.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, closed)

	entry, err := store.GetQueueEntry(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusDone, entry.Status)
}

func TestClose_RejectsNonTerminalStatus(t *testing.T) {
	svc, store := newTestService(t)
	id := register(t, svc, store, "Open", "GREEN")

	_, err := svc.Close(context.Background(), id, triage.StatusCalled)
	assert.ErrorIs(t, err, triage.ErrInvalidStatus)
}

func TestOperatorActions_LockBusy(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := memstore.New()

	locker := redisclient.NewMockLocker(ctrl)
	locker.EXPECT().
		WithEncounterLock(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(redisclient.ErrLockNotAcquired).
		Times(2)

	svc := triage.NewService(store, locker, zap.NewNop())
	patientID := store.AddPatient("Busy", "Lock")
	enc, _, err := svc.Register(context.Background(), patientID, "YELLOW", nil)
	require.NoError(t, err)

	_, err = svc.Call(context.Background(), enc.ID)
	assert.ErrorIs(t, err, triage.ErrEncounterBusy)

	_, _, err = svc.Retriage(context.Background(), enc.ID, "RED")
	assert.ErrorIs(t, err, triage.ErrEncounterBusy)

	entry, err := store.GetQueueEntry(context.Background(), enc.ID)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusWaiting, entry.Status)
	assert.Equal(t, 2, entry.Priority)
}

func TestCounts(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	register(t, svc, store, "R", "RED")
	register(t, svc, store, "Y", "YELLOW")
	g := register(t, svc, store, "G", "GREEN")
	register(t, svc, store, "G2", "GREEN")

	_, err := svc.Call(ctx, g)
	require.NoError(t, err)

	c, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, triage.Counts{Waiting: 3, Called: 1, Red: 1, Yellow: 1, Green: 1}, c)
}

func TestRegister_ConcurrentArrivalsKeepCommitOrder(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	severities := []string{"YELLOW", "RED", "YELLOW", "GREEN", "RED", "YELLOW"}
	const rounds = 8

	patients := make([]uuid.UUID, 0, len(severities)*rounds)
	for i := 0; i < cap(patients); i++ {
		patients = append(patients, store.AddPatient("P", "Concurrent"))
	}

	var wg sync.WaitGroup
	for i, patientID := range patients {
		wg.Add(1)
		go func(patientID uuid.UUID, severity string) {
			defer wg.Done()
			_, _, err := svc.Register(ctx, patientID, severity, nil)
			assert.NoError(t, err)
		}(patientID, severities[i%len(severities)])
	}
	wg.Wait()

	// events are appended in commit order, so within a priority band the
	// waiting list must follow them exactly
	byPriority := map[int][]uuid.UUID{}
	for _, ev := range store.Events() {
		enc, err := svc.GetEncounter(ctx, ev.EncounterID)
		require.NoError(t, err)
		p := enc.Severity.Priority()
		byPriority[p] = append(byPriority[p], ev.EncounterID)
	}

	var want []uuid.UUID
	for p := 1; p <= 3; p++ {
		want = append(want, byPriority[p]...)
	}

	assert.Len(t, want, len(patients))
	assert.Equal(t, want, waitingIDs(t, svc))
}

func TestRetriage_ReadersNeverSeeSplitState(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	target := register(t, svc, store, "Flip", "YELLOW")
	register(t, svc, store, "Other", "RED")

	const (
		writes  = 100
		readers = 4
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		labels := []string{"RED", "GREEN", "YELLOW"}
		for i := 0; i < writes; i++ {
			_, _, err := svc.Retriage(ctx, target, labels[i%len(labels)])
			assert.NoError(t, err)
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				entries, err := svc.ListWaiting(ctx, 0)
				if !assert.NoError(t, err) {
					return
				}
				for _, e := range entries {
					assert.Equal(t, e.Encounter.Severity.Priority(), e.Entry.Priority,
						"severity %s listed with priority %d", e.Encounter.Severity, e.Entry.Priority)
				}
			}
		}()
	}

	wg.Wait()

	enc, err := svc.GetEncounter(ctx, target)
	require.NoError(t, err)
	entry, err := store.GetQueueEntry(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, enc.Severity.Priority(), entry.Priority)
}

func TestCall_ConcurrentClicksCallOnce(t *testing.T) {
	svc, store := newTestService(t)
	id := register(t, svc, store, "Click", "RED")

	var (
		wg      sync.WaitGroup
		callers atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			called, err := svc.Call(context.Background(), id)
			assert.NoError(t, err)
			if called {
				callers.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), callers.Load())

	var calledEvents int
	for _, ev := range store.Events() {
		if ev.EventType == triage.EventCalled {
			calledEvents++
		}
	}
	assert.Equal(t, 1, calledEvents)
}
