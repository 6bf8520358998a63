package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/notify"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
	"github.com/openclaw/wa-relay-server-go/internal/transport/transporttest"
	"github.com/openclaw/wa-relay-server-go/internal/webhook"
)

const waitFor = 2 * time.Second

type deliveredEvent struct {
	url   string
	event model.Event
}

type eventLog struct {
	mu     sync.Mutex
	events []deliveredEvent
}

func (l *eventLog) sinks(_ string, webhookURL string) notify.Sink {
	return notify.SinkFunc(func(_ context.Context, ev model.Event) {
		l.mu.Lock()
		l.events = append(l.events, deliveredEvent{url: webhookURL, event: ev})
		l.mu.Unlock()
	})
}

func (l *eventLog) has(sessionID string, kind model.EventKind) bool {
	_, ok := l.find(sessionID, kind)
	return ok
}

func (l *eventLog) find(sessionID string, kind model.EventKind) (deliveredEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.events {
		if d.event.Instance.ID == sessionID && d.event.Kind == kind {
			return d, true
		}
	}
	return deliveredEvent{}, false
}

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Create(ctx context.Context, params model.CreateSessionParams) (*model.SessionDefinition, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SessionDefinition), args.Error(1)
}

func (m *mockSessionStore) FindAll(ctx context.Context) ([]model.SessionDefinition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SessionDefinition), args.Error(1)
}

func (m *mockSessionStore) UpdateDeviceJID(ctx context.Context, id, deviceJID string) error {
	args := m.Called(ctx, id, deviceJID)
	return args.Error(0)
}

func (m *mockSessionStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type fixture struct {
	registry *Registry
	factory  *transporttest.Factory
	log      *eventLog
}

func newFixture(t *testing.T, store SessionStore, opts Options) *fixture {
	t.Helper()
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	if opts.ReconnectMaxDelay == 0 {
		opts.ReconnectMaxDelay = 100 * time.Millisecond
	}

	f := &fixture{factory: transporttest.NewFactory(), log: &eventLog{}}
	f.registry = New(f.factory, store, f.log.sinks, opts)
	t.Cleanup(func() { f.registry.Close(context.Background()) })
	return f
}

func (f *fixture) create(t *testing.T, name, webhookURL string) (*model.Session, *transporttest.Adapter) {
	t.Helper()
	s, err := f.registry.Create(context.Background(), name, webhookURL)
	require.NoError(t, err)
	adapter, ok := f.factory.Next(waitFor)
	require.True(t, ok, "no adapter built")
	return s, adapter
}

func (f *fixture) connect(t *testing.T, name string) (*model.Session, *transporttest.Adapter) {
	t.Helper()
	s, adapter := f.create(t, name, "")
	adapter.Emit(transport.Ready{Account: model.AccountInfo{JID: "5511:1@s.whatsapp.net", Number: "5511"}})
	f.waitState(t, s.ID, model.StateConnected)
	return s, adapter
}

func (f *fixture) waitState(t *testing.T, id string, state model.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.registry.Get(id)
		return err == nil && s.State == state
	}, waitFor, 5*time.Millisecond, "session %s never reached %s", id, state)
}

func TestCreate(t *testing.T) {
	t.Run("registers an initializing session and connects in the background", func(t *testing.T) {
		f := newFixture(t, nil, Options{})

		s, adapter := f.create(t, "  Sales ", "http://hook/x")

		_, err := uuid.Parse(s.ID)
		assert.NoError(t, err)
		assert.Equal(t, "Sales", s.Name)
		assert.Equal(t, "http://hook/x", s.WebhookURL)
		assert.Equal(t, model.StateInitializing, s.State)
		assert.Equal(t, transport.Spec{SessionID: s.ID, SessionName: "Sales"}, adapter.Spec)
		assert.Eventually(t, adapter.Connected, waitFor, 5*time.Millisecond)
	})

	t.Run("validates input", func(t *testing.T) {
		f := newFixture(t, nil, Options{})

		_, err := f.registry.Create(context.Background(), " ", "")
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))

		_, err = f.registry.Create(context.Background(), "Sales", "ftp://hook")
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

		assert.Zero(t, f.factory.Count())
		assert.Empty(t, f.registry.List())
	})

	t.Run("rejects duplicate names case-insensitively", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		f.create(t, "Sales", "")

		_, err := f.registry.Create(context.Background(), "sALES", "")

		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeDuplicateName, apperrors.GetCode(err))
		assert.Len(t, f.registry.List(), 1)
		for _, a := range f.factory.Adapters()[1:] {
			assert.True(t, a.Terminated())
		}
	})

	t.Run("exactly one of many concurrent creates wins", func(t *testing.T) {
		f := newFixture(t, nil, Options{})

		const n = 32
		var wg sync.WaitGroup
		var ok, dup atomic.Int32
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				name := "Sales"
				if i%2 == 1 {
					name = "SALES"
				}
				_, err := f.registry.Create(context.Background(), name, "")
				switch {
				case err == nil:
					ok.Add(1)
				case apperrors.GetCode(err) == apperrors.ErrCodeDuplicateName:
					dup.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(n-1), dup.Load())
		assert.Len(t, f.registry.List(), 1)
	})

	t.Run("a removed name can be reused", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, _ := f.create(t, "Sales", "")
		require.NoError(t, f.registry.Remove(context.Background(), s.ID))

		again, _ := f.create(t, "sales", "")
		assert.NotEqual(t, s.ID, again.ID)
	})
}

func TestSalesScenario(t *testing.T) {
	f := newFixture(t, nil, Options{})
	s, adapter := f.create(t, "Sales", "http://hook/x")

	adapter.Emit(transport.PairingChallenge{Payload: "Q1"})
	f.waitState(t, s.ID, model.StateAwaitingPairing)

	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PairingPayload)
	assert.Equal(t, "Q1", *got.PairingPayload)

	adapter.Emit(transport.Ready{Account: model.AccountInfo{JID: "5511987654321:4@s.whatsapp.net", Number: "5511987654321"}})
	f.waitState(t, s.ID, model.StateConnected)

	got, err = f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PairingPayload)
	require.NotNil(t, got.AccountInfo)
	assert.Equal(t, "5511987654321", got.AccountInfo.Number)

	require.Eventually(t, func() bool { return f.log.has(s.ID, model.EventConnectionReady) }, waitFor, 5*time.Millisecond)
	d, _ := f.log.find(s.ID, model.EventConnectionReady)
	assert.Equal(t, "http://hook/x", d.url)
	assert.Equal(t, "Sales", d.event.Instance.Name)
	assert.True(t, f.log.has(s.ID, model.EventPairingRequested))
}

func TestEmptyWebhookNeverCallsOut(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	dispatcher := webhook.NewDispatcher(time.Second, nil)
	var skipped atomic.Int32
	sinks := func(_ string, webhookURL string) notify.Sink {
		return notify.SinkFunc(func(ctx context.Context, ev model.Event) {
			if dispatcher.Dispatch(ctx, webhookURL, ev).Status == model.DeliveryStatusSkipped {
				skipped.Add(1)
			}
		})
	}

	factory := transporttest.NewFactory()
	r := New(factory, nil, sinks, Options{ReconnectDelay: time.Second})
	defer r.Close(context.Background())

	_, err := r.Create(context.Background(), "Silent", "")
	require.NoError(t, err)
	adapter, ok := factory.Next(waitFor)
	require.True(t, ok)

	adapter.Emit(transport.PairingChallenge{Payload: "Q1"})
	adapter.Emit(transport.Ready{Account: model.AccountInfo{JID: "1@s.whatsapp.net"}})

	assert.Eventually(t, func() bool { return skipped.Load() == 2 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, hits.Load())
}

func TestLookups(t *testing.T) {
	f := newFixture(t, nil, Options{})
	a, _ := f.create(t, "Alpha", "")
	b, _ := f.create(t, "Beta", "")
	c, _ := f.create(t, "Gamma", "")

	t.Run("get by name ignores case", func(t *testing.T) {
		s, err := f.registry.GetByName("bEtA")
		require.NoError(t, err)
		assert.Equal(t, b.ID, s.ID)
	})

	t.Run("resolve accepts id or name", func(t *testing.T) {
		byID, err := f.registry.Resolve(a.ID)
		require.NoError(t, err)
		byName, err := f.registry.Resolve("alpha")
		require.NoError(t, err)
		assert.Equal(t, byID.ID, byName.ID)
	})

	t.Run("unknown refs are not found", func(t *testing.T) {
		_, err := f.registry.Get("missing")
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
		_, err = f.registry.Resolve("missing")
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("list is stable in creation order", func(t *testing.T) {
		want := []string{a.ID, b.ID, c.ID}
		for i := 0; i < 3; i++ {
			var got []string
			for _, s := range f.registry.List() {
				got = append(got, s.ID)
			}
			assert.Equal(t, want, got)
		}
	})
}

func TestRemove(t *testing.T) {
	t.Run("is idempotent and terminates the adapter", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, adapter := f.create(t, "Sales", "")

		require.NoError(t, f.registry.Remove(context.Background(), s.ID))
		require.NoError(t, f.registry.Remove(context.Background(), s.ID))
		require.NoError(t, f.registry.Remove(context.Background(), "unknown"))

		assert.True(t, adapter.Terminated())
		_, err := f.registry.Get(s.ID)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
		assert.Empty(t, f.registry.List())
	})

	t.Run("cancels a pending reconnection", func(t *testing.T) {
		f := newFixture(t, nil, Options{ReconnectDelay: 50 * time.Millisecond, ReconnectMaxDelay: time.Second})
		s, adapter := f.connect(t, "Sales")

		adapter.Emit(transport.LinkLost{Reason: "stream_error"})
		f.waitState(t, s.ID, model.StateDisconnected)
		require.Eventually(t, func() bool { return f.registry.scheduler.Pending(s.ID) }, waitFor, 5*time.Millisecond)

		require.NoError(t, f.registry.Remove(context.Background(), s.ID))
		assert.False(t, f.registry.scheduler.Pending(s.ID))

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, f.factory.Count())
	})
}

func TestLinkLoss(t *testing.T) {
	t.Run("remote logout removes the session without reconnecting", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, adapter := f.connect(t, "Sales")

		adapter.Emit(transport.LinkLost{Reason: "logged_out", Logout: true})

		require.Eventually(t, func() bool { return len(f.registry.List()) == 0 }, waitFor, 5*time.Millisecond)
		assert.False(t, f.registry.scheduler.Pending(s.ID))
		require.Eventually(t, func() bool { return f.log.has(s.ID, model.EventDisconnected) }, waitFor, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, f.factory.Count())

		// The name is free again.
		f.create(t, "Sales", "")
	})

	t.Run("transient loss recreates the session after the delay", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, first := f.connect(t, "Sales")

		first.Emit(transport.LinkLost{Reason: "stream_error"})

		second, ok := f.factory.Next(waitFor)
		require.True(t, ok, "no reconnection adapter built")
		assert.NotSame(t, first, second)
		assert.Equal(t, transport.Spec{SessionID: s.ID, SessionName: "Sales"}, second.Spec)
		assert.True(t, first.Terminated())

		f.waitState(t, s.ID, model.StateInitializing)
		got, err := f.registry.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, "Sales", got.Name)
		assert.Equal(t, 1, got.ReconnectAttempts)
		assert.Nil(t, got.AccountInfo)
		assert.Eventually(t, second.Connected, waitFor, 5*time.Millisecond)
		assert.Equal(t, "5511:1@s.whatsapp.net", second.Credentials())

		// The recreated instance is fully functional.
		second.Emit(transport.Ready{Account: model.AccountInfo{JID: "5511:1@s.whatsapp.net", Number: "5511"}})
		f.waitState(t, s.ID, model.StateConnected)
		_, err = f.registry.Send(context.Background(), "Sales", "5511888", model.OutboundContent{Text: "back"})
		assert.NoError(t, err)
	})

	t.Run("reconnect attempts back off and reset once connected", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, adapter := f.connect(t, "Sales")

		for i := 1; i <= 3; i++ {
			adapter.Emit(transport.LinkLost{Reason: fmt.Sprintf("drop-%d", i)})
			var ok bool
			adapter, ok = f.factory.Next(waitFor)
			require.True(t, ok)
			f.waitState(t, s.ID, model.StateInitializing)
			got, _ := f.registry.Get(s.ID)
			assert.Equal(t, i, got.ReconnectAttempts)
		}

		adapter.Emit(transport.Ready{Account: model.AccountInfo{JID: "5511:1@s.whatsapp.net"}})
		f.waitState(t, s.ID, model.StateConnected)

		f.registry.mu.Lock()
		attempts := f.registry.entries[s.ID].attempts
		f.registry.mu.Unlock()
		assert.Zero(t, attempts)
	})

	t.Run("auth failure destroys the session", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, adapter := f.create(t, "Sales", "")

		adapter.Emit(transport.AuthFailure{Reason: "rejected"})

		require.Eventually(t, func() bool { return len(f.registry.List()) == 0 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return f.log.has(s.ID, model.EventAuthFailure) }, waitFor, 5*time.Millisecond)
	})
}

func TestSend(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		_, err := f.registry.Send(context.Background(), "nobody", "5511", model.OutboundContent{Text: "x"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("unavailable session performs no transport call", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		_, adapter := f.create(t, "Sales", "")
		adapter.SetReady(true)

		_, err := f.registry.Send(context.Background(), "sales", "5511", model.OutboundContent{Text: "x"})

		assert.Equal(t, apperrors.ErrCodeSessionUnavailable, apperrors.GetCode(err))
		assert.Empty(t, adapter.Sent())
	})

	t.Run("connected session by name", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		s, adapter := f.connect(t, "Sales")

		delivery, err := f.registry.Send(context.Background(), "SALES", "5511888", model.OutboundContent{Text: "hi"})

		require.NoError(t, err)
		assert.Equal(t, s.ID, delivery.SessionID)
		assert.Len(t, adapter.Sent(), 1)
		require.Eventually(t, func() bool { return f.log.has(s.ID, model.EventMessageSent) }, waitFor, 5*time.Millisecond)
	})
}

func TestPersistence(t *testing.T) {
	t.Run("create persists and connection stores the device identity", func(t *testing.T) {
		store := &mockSessionStore{}
		store.On("Create", mock.Anything, mock.MatchedBy(func(p model.CreateSessionParams) bool {
			return p.Name == "Sales" && p.WebhookURL == "http://hook/x"
		})).Return(&model.SessionDefinition{}, nil)
		updated := make(chan string, 1)
		store.On("UpdateDeviceJID", mock.Anything, mock.Anything, "5511:1@s.whatsapp.net").
			Return(nil).
			Run(func(args mock.Arguments) { updated <- args.String(1) })
		store.On("Delete", mock.Anything, mock.Anything).Return(nil)

		f := newFixture(t, store, Options{})
		s, adapter := f.create(t, "Sales", "http://hook/x")
		adapter.Emit(transport.Ready{Account: model.AccountInfo{JID: "5511:1@s.whatsapp.net"}})
		f.waitState(t, s.ID, model.StateConnected)

		select {
		case id := <-updated:
			assert.Equal(t, s.ID, id)
		case <-time.After(waitFor):
			t.Fatal("device identity was not persisted")
		}

		require.NoError(t, f.registry.Remove(context.Background(), s.ID))
		store.AssertCalled(t, "Delete", mock.Anything, s.ID)
	})

	t.Run("remove succeeds and retries when the store delete fails", func(t *testing.T) {
		store := &mockSessionStore{}
		store.On("Create", mock.Anything, mock.Anything).Return(&model.SessionDefinition{}, nil)
		store.On("Delete", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
		deleted := make(chan string, 1)
		store.On("Delete", mock.Anything, mock.Anything).
			Return(nil).
			Run(func(args mock.Arguments) { deleted <- args.String(1) }).
			Once()

		f := newFixture(t, store, Options{StoreRetryDelay: 10 * time.Millisecond})
		s, _ := f.create(t, "Sales", "")

		require.NoError(t, f.registry.Remove(context.Background(), s.ID))
		_, err := f.registry.Get(s.ID)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

		select {
		case id := <-deleted:
			assert.Equal(t, s.ID, id)
		case <-time.After(waitFor):
			t.Fatal("persisted session was never deleted")
		}
		store.AssertNumberOfCalls(t, "Delete", 2)
	})

	t.Run("store failure rolls the reservation back", func(t *testing.T) {
		store := &mockSessionStore{}
		store.On("Create", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

		f := newFixture(t, store, Options{})
		_, err := f.registry.Create(context.Background(), "Sales", "")

		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
		assert.Empty(t, f.registry.List())
		adapter, ok := f.factory.Next(waitFor)
		require.True(t, ok)
		assert.True(t, adapter.Terminated())
		assert.False(t, adapter.Connected())
	})

	t.Run("restore recreates persisted sessions with their credentials", func(t *testing.T) {
		jid := "5511:1@s.whatsapp.net"
		created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		store := &mockSessionStore{}
		store.On("FindAll", mock.Anything).Return([]model.SessionDefinition{
			{ID: "11111111-1111-1111-1111-111111111111", Name: "Sales", WebhookURL: "http://hook/x", DeviceJID: &jid, CreatedAt: created},
			{ID: "22222222-2222-2222-2222-222222222222", Name: "sales", CreatedAt: created},
			{ID: "33333333-3333-3333-3333-333333333333", Name: "Support", CreatedAt: created},
		}, nil)

		f := newFixture(t, store, Options{})
		n, err := f.registry.Restore(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 2, n)

		s, err := f.registry.Get("11111111-1111-1111-1111-111111111111")
		require.NoError(t, err)
		assert.Equal(t, created, s.CreatedAt)
		assert.Equal(t, "http://hook/x", s.WebhookURL)

		var restored *transporttest.Adapter
		for _, a := range f.factory.Adapters() {
			if a.Spec.SessionID == s.ID {
				restored = a
			}
		}
		require.NotNil(t, restored)
		assert.Eventually(t, restored.Connected, waitFor, 5*time.Millisecond)
		assert.Equal(t, jid, restored.Credentials())
	})
}
