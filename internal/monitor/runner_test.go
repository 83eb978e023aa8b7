package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makt28/plugwatch/internal/notify"
	"github.com/makt28/plugwatch/internal/storage"
	"github.com/makt28/plugwatch/internal/tuya"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

type fakeStatus struct {
	log    *callLog
	status tuya.DeviceStatus
	err    error
}

func (f *fakeStatus) Status(context.Context) (tuya.DeviceStatus, error) {
	f.log.add("status")
	return f.status, f.err
}

type fakeIngester struct {
	log *callLog
	err error
}

func (f *fakeIngester) Ingest(context.Context) error {
	f.log.add("ingest")
	return f.err
}

type fakeNotifier struct {
	log      *callLog
	messages []string
	delivery notify.Delivery
	err      error
}

func (f *fakeNotifier) Notify(_ context.Context, text string) (notify.Delivery, error) {
	f.log.add("notify")
	f.messages = append(f.messages, text)
	return f.delivery, f.err
}

type failingStateStore struct {
	storage.StateStore
	loadErr error
	saveErr error
}

func (f failingStateStore) Load(ctx context.Context) (storage.PersistedState, bool, error) {
	if f.loadErr != nil {
		return storage.PersistedState{}, false, f.loadErr
	}
	return f.StateStore.Load(ctx)
}

func (f failingStateStore) Save(ctx context.Context, st storage.PersistedState) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.StateStore.Save(ctx, st)
}

type harness struct {
	log      *callLog
	status   *fakeStatus
	ingester *fakeIngester
	notifier *fakeNotifier
	backend  *storage.Backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, err := storage.NewFileBackend(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	log := &callLog{}
	return &harness{
		log:      log,
		status:   &fakeStatus{log: log},
		ingester: &fakeIngester{log: log},
		notifier: &fakeNotifier{log: log},
		backend:  b,
	}
}

func (h *harness) runner(state storage.StateStore) *Runner {
	if state == nil {
		state = h.backend.State
	}
	return NewRunner(Deps{
		Ingester: h.ingester,
		Status:   h.status,
		State:    state,
		Notifier: h.notifier,
	})
}

func ptr(v int64) *int64 { return &v }

func (h *harness) seed(t *testing.T, st storage.PersistedState) {
	t.Helper()
	require.NoError(t, h.backend.State.Save(context.Background(), st))
}

func (h *harness) stored(t *testing.T) storage.PersistedState {
	t.Helper()
	st, found, err := h.backend.State.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	return st
}

func TestRunCycle_FirstRunRecordsBaseline(t *testing.T) {
	h := newHarness(t)
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 1000}

	res, err := h.runner(nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBaseline, res.Outcome)
	assert.Empty(t, h.notifier.messages)

	st := h.stored(t)
	assert.Equal(t, storage.StateOnline, st.LastState)
	assert.Equal(t, int64(1000), *st.TransitionTime)
}

func TestRunCycle_TransitionNotifiesOnceAndPersists(t *testing.T) {
	h := newHarness(t)
	h.seed(t, storage.PersistedState{LastState: storage.StateOffline, TransitionTime: ptr(0)})
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 5400000}
	h.notifier.delivery = notify.Delivery{Sent: 2}

	res, err := h.runner(nil).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeTransition, res.Outcome)
	assert.Equal(t, storage.StateOffline, res.Previous)
	assert.Equal(t, storage.StateOnline, res.State)
	assert.Equal(t, "1 год 30 хв", res.Elapsed)
	assert.Equal(t, 2, res.Delivery.Sent)
	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "Tuya розетка: ONLINE ✅\nСвітла не було: 1 год 30 хв", h.notifier.messages[0])

	st := h.stored(t)
	assert.Equal(t, storage.StateOnline, st.LastState)
	assert.Equal(t, int64(5400000), *st.TransitionTime)

	assert.Equal(t, []string{"ingest", "status", "notify"}, h.log.calls)
}

func TestRunCycle_NoChangeNoNotification(t *testing.T) {
	h := newHarness(t)
	h.seed(t, storage.PersistedState{LastState: storage.StateOnline, TransitionTime: ptr(100)})
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 999999}

	r := h.runner(nil)
	for i := 0; i < 3; i++ {
		res, err := r.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeStable, res.Outcome)
	}
	assert.Empty(t, h.notifier.messages)
	assert.Equal(t, int64(100), *h.stored(t).TransitionTime)
}

func TestRunCycle_LegacyStateWithoutTransitionTime(t *testing.T) {
	h := newHarness(t)
	h.seed(t, storage.PersistedState{LastState: storage.StateOnline})
	h.status.status = tuya.DeviceStatus{Online: false, ObservedAt: 777}

	res, err := h.runner(nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Elapsed)
	assert.Equal(t, []string{"Tuya розетка: OFFLINE ❌"}, h.notifier.messages)
	assert.Equal(t, int64(777), *h.stored(t).TransitionTime)
}

func TestRunCycle_StatusFailureAbortsWithoutMutation(t *testing.T) {
	for name, statusErr := range map[string]error{
		"auth":  &tuya.AuthError{Code: 1004, Msg: "sign invalid"},
		"query": &tuya.DeviceQueryError{DeviceID: "d", Msg: "offline cloud"},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			seed := storage.PersistedState{LastState: storage.StateOffline, TransitionTime: ptr(1)}
			h.seed(t, seed)
			h.status.err = statusErr

			r := h.runner(nil)
			_, err := r.RunCycle(context.Background())
			require.ErrorIs(t, err, statusErr)

			assert.Empty(t, h.notifier.messages)
			assert.Equal(t, seed, h.stored(t))
			require.NotNil(t, r.LastReport())
			assert.NotEmpty(t, r.LastReport().Error)
		})
	}
}

func TestRunCycle_IngestFailureDoesNotBlockCheck(t *testing.T) {
	h := newHarness(t)
	h.ingester.err = errors.New("telegram unreachable")
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 5}

	res, err := h.runner(nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBaseline, res.Outcome)
	assert.Equal(t, []string{"ingest", "status"}, h.log.calls)
}

func TestRunCycle_PartialDispatchStillPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		_, err := h.backend.Subscribers.Add(ctx, id)
		require.NoError(t, err)
	}
	h.seed(t, storage.PersistedState{LastState: storage.StateOffline, TransitionTime: ptr(0)})
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 60000}

	sender := &selectiveSender{fail: map[string]bool{"1": true, "3": true}}
	r := NewRunner(Deps{
		Status:   h.status,
		State:    h.backend.State,
		Notifier: notify.NewDispatcher(sender, notify.SubscriberTargets{Registry: h.backend.Subscribers}, time.Second),
	})

	res, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, notify.Delivery{Sent: 1, Failed: 2}, res.Delivery)
	assert.Equal(t, []string{"2"}, sender.delivered)
	assert.Equal(t, storage.StateOnline, h.stored(t).LastState)
}

type selectiveSender struct {
	fail      map[string]bool
	delivered []string
}

func (s *selectiveSender) SendMessage(_ context.Context, chatID, _ string) error {
	if s.fail[chatID] {
		return errors.New("send failed")
	}
	s.delivered = append(s.delivered, chatID)
	return nil
}

func TestRunCycle_UnresolvedTargetsDoNotPersist(t *testing.T) {
	h := newHarness(t)
	seed := storage.PersistedState{LastState: storage.StateOffline, TransitionTime: ptr(0)}
	h.seed(t, seed)
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 10}
	h.notifier.err = errors.New("registry unreadable")

	_, err := h.runner(nil).RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, seed, h.stored(t))
}

func TestRunCycle_SaveFailureIsCycleError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, storage.PersistedState{LastState: storage.StateOffline, TransitionTime: ptr(0)})
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 10}
	saveErr := &storage.StorageError{Op: "save", Key: "state", Err: errors.New("read-only fs")}

	_, err := h.runner(failingStateStore{StateStore: h.backend.State, saveErr: saveErr}).RunCycle(context.Background())
	var storageErr *storage.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Len(t, h.notifier.messages, 1)
}

func TestRunCycle_CorruptStateIsTreatedAsFirstRun(t *testing.T) {
	h := newHarness(t)
	h.status.status = tuya.DeviceStatus{Online: false, ObservedAt: 42}
	loadErr := &storage.StorageError{Op: "load", Key: "state", Err: fmt.Errorf("%w: parse state JSON", storage.ErrCorrupt)}

	res, err := h.runner(failingStateStore{StateStore: h.backend.State, loadErr: loadErr}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBaseline, res.Outcome)
	assert.Empty(t, h.notifier.messages)
	assert.Equal(t, storage.StateOffline, h.stored(t).LastState)
}

func TestRunCycle_StateReadFailureAbortsWithoutMutation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, storage.PersistedState{LastState: storage.StateOffline, TransitionTime: ptr(0)})
	h.status.status = tuya.DeviceStatus{Online: true, ObservedAt: 5400000}
	loadErr := &storage.StorageError{Op: "load", Key: "state", Err: errors.New("nats: timeout")}

	_, err := h.runner(failingStateStore{StateStore: h.backend.State, loadErr: loadErr}).RunCycle(context.Background())
	var storageErr *storage.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Empty(t, h.notifier.messages)
	assert.Equal(t, storage.StateOffline, h.stored(t).LastState)

	// once the store recovers the pending transition is still announced
	res, err := h.runner(nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransition, res.Outcome)
	assert.Equal(t, "1 год 30 хв", res.Elapsed)
	assert.Len(t, h.notifier.messages, 1)
	assert.Equal(t, storage.StateOnline, h.stored(t).LastState)
}

func TestRunCycle_Serialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	status := statusFunc(func(context.Context) (tuya.DeviceStatus, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return tuya.DeviceStatus{Online: true, ObservedAt: 1}, nil
	})

	h := newHarness(t)
	r := NewRunner(Deps{Status: status, State: h.backend.State, Notifier: h.notifier})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RunCycle(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

type statusFunc func(context.Context) (tuya.DeviceStatus, error)

func (f statusFunc) Status(ctx context.Context) (tuya.DeviceStatus, error) { return f(ctx) }
