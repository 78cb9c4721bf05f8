package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/619dev/matrix-chatgpt-bot/internal/matrix"
	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

const testBotUser = "@bot:example.org"

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memKV) Put(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memKV) Close() error { return nil }

// fakeSyncer returns a scripted sync result and records calls.
type fakeSyncer struct {
	mu       sync.Mutex
	result   *matrix.SyncResult
	err      error
	joinErr  map[id.RoomID]error
	sinces   []string
	joined   []id.RoomID
	credSets int
}

func (f *fakeSyncer) SetCredentials(creds matrix.Credentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credSets++
}

func (f *fakeSyncer) Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSyncer) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.joinErr[roomID]; err != nil {
		return err
	}
	f.joined = append(f.joined, roomID)
	return nil
}

// fakeDispatcher records dispatched events and can observe the cursor
// at dispatch time.
type fakeDispatcher struct {
	mu         sync.Mutex
	cfg        *store.ConfigStore
	events     []*event.Event
	cursorSeen []string
	err        error
	panicOn    string
}

func (f *fakeDispatcher) HandleMessage(ctx context.Context, roomID id.RoomID, evt *event.Event) error {
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	if f.cfg != nil {
		tok, _ := f.cfg.SyncToken(ctx)
		f.mu.Lock()
		f.cursorSeen = append(f.cursorSeen, tok)
		f.mu.Unlock()
	}
	if f.panicOn != "" && evt.Content.AsMessage() != nil && evt.Content.AsMessage().Body == f.panicOn {
		panic("boom")
	}
	return f.err
}

func (f *fakeDispatcher) dispatched() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.Event(nil), f.events...)
}

func messageEvent(sender, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		Sender: id.UserID(sender),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func newTestEngine(t *testing.T, syncer *fakeSyncer, dispatcher *fakeDispatcher) (*Engine, *store.ConfigStore) {
	t.Helper()
	cfg := store.NewConfigStore(newMemKV())
	err := cfg.SetAuthInfo(context.Background(), store.AuthInfo{
		AccessToken: "tok", UserID: testBotUser, DeviceID: "DEV",
	})
	if err != nil {
		t.Fatalf("SetAuthInfo: %v", err)
	}
	dispatcher.cfg = cfg
	// A long interval keeps the loop out of the way in tick tests.
	eng := New(syncer, dispatcher, cfg, Options{Interval: time.Hour, StartDelay: time.Hour})
	t.Cleanup(eng.Close)
	return eng, cfg
}

func TestTickCommitsCursorBeforeDispatch(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{
		NextBatch: "s2",
		Joined: []matrix.RoomEvents{{
			RoomID: "!a:x",
			Events: []*event.Event{messageEvent("@alice:x", "hi")},
		}},
	}}
	dispatcher := &fakeDispatcher{}
	eng, cfg := newTestEngine(t, syncer, dispatcher)

	ctx := context.Background()
	if err := cfg.SetSyncToken(ctx, "s1"); err != nil {
		t.Fatalf("SetSyncToken: %v", err)
	}

	if err := eng.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(syncer.sinces) != 1 || syncer.sinces[0] != "s1" {
		t.Errorf("sync since = %v, want [s1]", syncer.sinces)
	}
	if len(dispatcher.cursorSeen) != 1 || dispatcher.cursorSeen[0] != "s2" {
		t.Errorf("cursor at dispatch = %v, want already committed s2", dispatcher.cursorSeen)
	}
	if tok, _ := cfg.SyncToken(ctx); tok != "s2" {
		t.Errorf("final cursor = %q, want s2", tok)
	}
}

func TestTickPollFailureLeavesCursor(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("homeserver unreachable")}
	dispatcher := &fakeDispatcher{}
	eng, cfg := newTestEngine(t, syncer, dispatcher)

	ctx := context.Background()
	if err := cfg.SetSyncToken(ctx, "s1"); err != nil {
		t.Fatalf("SetSyncToken: %v", err)
	}

	if err := eng.Tick(ctx); err == nil {
		t.Fatal("Tick: expected error")
	}
	if tok, _ := cfg.SyncToken(ctx); tok != "s1" {
		t.Errorf("cursor = %q, want untouched s1", tok)
	}
	if len(dispatcher.dispatched()) != 0 {
		t.Error("events dispatched despite poll failure")
	}
}

func TestTickNotAuthenticated(t *testing.T) {
	cfg := store.NewConfigStore(newMemKV())
	eng := New(&fakeSyncer{}, &fakeDispatcher{}, cfg, Options{})
	defer eng.Close()

	if err := eng.Tick(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Tick = %v, want ErrNotAuthenticated", err)
	}
	if _, err := eng.Start(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Start = %v, want ErrNotAuthenticated", err)
	}
}

func TestTickFiltersOwnAndNonMessageEvents(t *testing.T) {
	memberEvent := &event.Event{Type: event.StateMember, Sender: "@alice:x"}
	syncer := &fakeSyncer{result: &matrix.SyncResult{
		NextBatch: "s2",
		Joined: []matrix.RoomEvents{{
			RoomID: "!a:x",
			Events: []*event.Event{
				messageEvent(testBotUser, "own echo"),
				memberEvent,
				messageEvent("@alice:x", "real"),
			},
		}},
	}}
	dispatcher := &fakeDispatcher{}
	eng, _ := newTestEngine(t, syncer, dispatcher)

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got := dispatcher.dispatched()
	if len(got) != 1 || got[0].Content.AsMessage().Body != "real" {
		t.Fatalf("dispatched %d events, want only the real one", len(got))
	}
}

func TestTickJoinsInvitesWithIsolatedFailures(t *testing.T) {
	syncer := &fakeSyncer{
		result: &matrix.SyncResult{
			NextBatch: "s2",
			Invites:   []id.RoomID{"!bad:x", "!good:x"},
		},
		joinErr: map[id.RoomID]error{"!bad:x": errors.New("forbidden")},
	}
	dispatcher := &fakeDispatcher{}
	eng, _ := newTestEngine(t, syncer, dispatcher)

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(syncer.joined) != 1 || syncer.joined[0] != "!good:x" {
		t.Errorf("joined = %v, want [!good:x]", syncer.joined)
	}
}

func TestTickSurvivesDispatcherFailures(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{
		NextBatch: "s2",
		Joined: []matrix.RoomEvents{{
			RoomID: "!a:x",
			Events: []*event.Event{
				messageEvent("@alice:x", "panics"),
				messageEvent("@alice:x", "fails"),
				messageEvent("@alice:x", "ok"),
			},
		}},
	}}
	dispatcher := &fakeDispatcher{err: errors.New("handler broke"), panicOn: "panics"}
	eng, _ := newTestEngine(t, syncer, dispatcher)

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// All three events were attempted despite the panic and the errors.
	if got := dispatcher.dispatched(); len(got) != 3 {
		t.Errorf("dispatched %d events, want 3", len(got))
	}
}

func TestTickInProgress(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{NextBatch: "s2"}}
	eng, _ := newTestEngine(t, syncer, &fakeDispatcher{})

	eng.tickMu.Lock()
	defer eng.tickMu.Unlock()
	if err := eng.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("Tick = %v, want ErrTickInProgress", err)
	}
}

func TestStartStopDurableRunState(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{NextBatch: "s2"}}
	eng, cfg := newTestEngine(t, syncer, &fakeDispatcher{})
	ctx := context.Background()

	started, err := eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started {
		t.Error("Start = false on first start")
	}

	// A second Start reports the loop as already running.
	started, err = eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start again: %v", err)
	}
	if started {
		t.Error("Start = true while loop already running")
	}

	rs, err := cfg.RunState(ctx)
	if err != nil {
		t.Fatalf("RunState: %v", err)
	}
	if !rs.Running {
		t.Error("RunState.Running = false after Start")
	}

	st, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || !st.Authenticated || st.UserID != testBotUser {
		t.Errorf("Status = %+v", st)
	}

	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rs, _ = cfg.RunState(ctx)
	if rs.Running {
		t.Error("RunState.Running = true after Stop")
	}
}

func TestResume(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{NextBatch: "s2"}}
	eng, cfg := newTestEngine(t, syncer, &fakeDispatcher{})
	ctx := context.Background()

	// Not flagged as running: Resume is a no-op.
	if err := eng.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	eng.loopMu.Lock()
	looping := eng.loopStop != nil
	eng.loopMu.Unlock()
	if looping {
		t.Error("loop started despite run flag off")
	}

	// Flagged as running (as after a crash mid-run): Resume starts it.
	if err := cfg.SetRunState(ctx, store.RunState{Running: true}); err != nil {
		t.Fatalf("SetRunState: %v", err)
	}
	if err := eng.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	eng.loopMu.Lock()
	looping = eng.loopStop != nil
	eng.loopMu.Unlock()
	if !looping {
		t.Error("loop not started by Resume")
	}
}

// faultyKV fails reads of one key while the fault flag is set.
type faultyKV struct {
	*memKV
	mu      sync.Mutex
	failKey string
	failing bool
}

func (f *faultyKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing && key == f.failKey {
		return "", errors.New("store unavailable")
	}
	return f.memKV.Get(ctx, key)
}

func (f *faultyKV) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func TestLoopSkipsTickWhenRunStateUnreadable(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{NextBatch: "s2"}}
	kv := &faultyKV{memKV: newMemKV(), failKey: "sync:run_state", failing: true}
	cfg := store.NewConfigStore(kv)
	ctx := context.Background()
	err := cfg.SetAuthInfo(ctx, store.AuthInfo{AccessToken: "tok", UserID: testBotUser, DeviceID: "DEV"})
	if err != nil {
		t.Fatalf("SetAuthInfo: %v", err)
	}

	eng := New(syncer, &fakeDispatcher{cfg: cfg}, cfg, Options{
		Interval:   time.Millisecond,
		StartDelay: time.Millisecond,
	})
	defer eng.Close()

	if _, err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// While the run flag cannot be read the loop must not poll; it may
	// have been stopped from elsewhere.
	time.Sleep(50 * time.Millisecond)
	syncer.mu.Lock()
	polls := len(syncer.sinces)
	syncer.mu.Unlock()
	if polls != 0 {
		t.Fatalf("polled %d times while run state unreadable, want 0", polls)
	}

	// The loop keeps rearming and resumes polling once the read works.
	kv.setFailing(false)
	deadline := time.Now().Add(2 * time.Second)
	for {
		syncer.mu.Lock()
		polls = len(syncer.sinces)
		syncer.mu.Unlock()
		if polls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loop never polled after run state became readable")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoopStopsWhenFlagCleared(t *testing.T) {
	syncer := &fakeSyncer{result: &matrix.SyncResult{NextBatch: "s2"}}
	cfg := store.NewConfigStore(newMemKV())
	ctx := context.Background()
	err := cfg.SetAuthInfo(ctx, store.AuthInfo{AccessToken: "tok", UserID: testBotUser, DeviceID: "DEV"})
	if err != nil {
		t.Fatalf("SetAuthInfo: %v", err)
	}

	eng := New(syncer, &fakeDispatcher{cfg: cfg}, cfg, Options{
		Interval:   5 * time.Millisecond,
		StartDelay: time.Millisecond,
	})
	defer eng.Close()

	if _, err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Clear the flag out from under the loop; the next rearm check
	// must exit the goroutine.
	if err := cfg.SetRunState(ctx, store.RunState{Running: false}); err != nil {
		t.Fatalf("SetRunState: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		eng.loopMu.Lock()
		looping := eng.loopStop != nil
		eng.loopMu.Unlock()
		if !looping {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loop still running after flag cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
