// Package engine drives the Matrix sync loop. All engine state that
// matters across restarts (the sync cursor and the run flag) lives in
// the durable store; the engine re-reads it at every tick so a restart
// or a concurrent control request always sees the committed position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/619dev/matrix-chatgpt-bot/internal/matrix"
	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

var (
	// ErrNotAuthenticated is returned when the engine is asked to run
	// without stored credentials.
	ErrNotAuthenticated = errors.New("not authenticated: login first")

	// ErrTickInProgress is returned when a tick is requested while the
	// previous one is still polling.
	ErrTickInProgress = errors.New("sync tick already in progress")
)

// Syncer is the Matrix capability the engine needs.
type Syncer interface {
	SetCredentials(creds matrix.Credentials)
	Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncResult, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) error
}

// Dispatcher consumes one room message event.
type Dispatcher interface {
	HandleMessage(ctx context.Context, roomID id.RoomID, evt *event.Event) error
}

// Options tunes the poll cadence.
type Options struct {
	Interval    time.Duration // pause between ticks
	StartDelay  time.Duration // delay before the first tick after Start
	PollTimeout time.Duration // server-side long-poll timeout
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.StartDelay <= 0 {
		o.StartDelay = 1 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 30 * time.Second
	}
}

// Status is a snapshot of the engine for the control surface.
type Status struct {
	Running       bool   `json:"running"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	SyncToken     string `json:"syncToken,omitempty"`
}

// Engine owns the poll loop. It is safe for concurrent use; overlapping
// ticks are rejected rather than queued.
type Engine struct {
	syncer     Syncer
	dispatcher Dispatcher
	cfg        *store.ConfigStore
	opts       Options

	tickMu sync.Mutex // held for the duration of one tick

	loopMu   sync.Mutex
	loopStop chan struct{} // non-nil while the loop goroutine runs
}

// New creates an engine. The loop is not started until Start.
func New(syncer Syncer, dispatcher Dispatcher, cfg *store.ConfigStore, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		syncer:     syncer,
		dispatcher: dispatcher,
		cfg:        cfg,
		opts:       opts,
	}
}

// Start marks the engine running in the durable store and launches the
// poll loop. The returned flag is false when the loop was already
// running and nothing was launched.
func (e *Engine) Start(ctx context.Context) (bool, error) {
	auth, err := e.cfg.AuthInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("load auth info: %w", err)
	}
	if auth == nil {
		return false, ErrNotAuthenticated
	}

	if err := e.cfg.SetRunState(ctx, store.RunState{Running: true}); err != nil {
		return false, fmt.Errorf("persist run state: %w", err)
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop != nil {
		return false, nil
	}
	e.loopStop = make(chan struct{})
	go e.loop(e.loopStop)

	slog.Info("sync engine started", "interval", e.opts.Interval, "start_delay", e.opts.StartDelay)
	return true, nil
}

// Stop clears the durable run flag and halts the loop goroutine. The
// tick in flight, if any, completes.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.cfg.SetRunState(ctx, store.RunState{Running: false}); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop != nil {
		close(e.loopStop)
		e.loopStop = nil
	}

	slog.Info("sync engine stopped")
	return nil
}

// Close halts the loop goroutine without touching the durable run
// flag. Used at process shutdown so the next boot can Resume.
func (e *Engine) Close() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop != nil {
		close(e.loopStop)
		e.loopStop = nil
	}
}

// Resume restarts the loop when the durable run flag says the engine
// was running before the process died. Called once at boot.
func (e *Engine) Resume(ctx context.Context) error {
	rs, err := e.cfg.RunState(ctx)
	if err != nil {
		return fmt.Errorf("load run state: %w", err)
	}
	if !rs.Running {
		return nil
	}
	slog.Info("resuming sync engine from durable run state")
	_, err = e.Start(ctx)
	return err
}

// Status reports the durable state plus credential presence.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	rs, err := e.cfg.RunState(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load run state: %w", err)
	}
	auth, err := e.cfg.AuthInfo(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load auth info: %w", err)
	}
	token, err := e.cfg.SyncToken(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load sync token: %w", err)
	}

	st := Status{Running: rs.Running, SyncToken: token}
	if auth != nil {
		st.Authenticated = true
		st.UserID = auth.UserID
	}
	return st, nil
}

// loop runs Tick on a fixed cadence until stopped. The durable run flag
// is re-read before every rearm so an external Stop (even one issued
// through a different code path) wins.
func (e *Engine) loop(stop chan struct{}) {
	defer e.clearLoopHandle(stop)
	timer := time.NewTimer(e.opts.StartDelay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		ctx := context.Background()
		rs, err := e.cfg.RunState(ctx)
		if err != nil {
			// Without a readable run flag the loop must not poll; it
			// may have been stopped. Retry the read next cycle.
			slog.Error("failed to read run state", "error", err)
			timer.Reset(e.opts.Interval)
			continue
		}
		if !rs.Running {
			return
		}

		if err := e.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			slog.Error("sync tick failed", "error", err)
		}

		timer.Reset(e.opts.Interval)
	}
}

// clearLoopHandle releases the loop slot if it still belongs to this
// loop instance. The flag-cleared exit path comes through here; the
// Stop path has already replaced the handle.
func (e *Engine) clearLoopHandle(stop chan struct{}) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop == stop {
		e.loopStop = nil
	}
}

// Tick performs one sync poll and dispatches its events. The cursor is
// committed before dispatch: a crash mid-dispatch drops those events
// rather than replaying them.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.tickMu.TryLock() {
		return ErrTickInProgress
	}
	defer e.tickMu.Unlock()

	auth, err := e.cfg.AuthInfo(ctx)
	if err != nil {
		return fmt.Errorf("load auth info: %w", err)
	}
	if auth == nil {
		return ErrNotAuthenticated
	}
	e.syncer.SetCredentials(matrix.Credentials{
		AccessToken: auth.AccessToken,
		UserID:      auth.UserID,
		DeviceID:    auth.DeviceID,
	})

	since, err := e.cfg.SyncToken(ctx)
	if err != nil {
		return fmt.Errorf("load sync token: %w", err)
	}

	result, err := e.syncer.Sync(ctx, since, e.opts.PollTimeout)
	if err != nil {
		// Cursor untouched: the same position is retried next tick.
		return fmt.Errorf("sync poll: %w", err)
	}

	if result.NextBatch != "" && result.NextBatch != since {
		if err := e.cfg.SetSyncToken(ctx, result.NextBatch); err != nil {
			return fmt.Errorf("commit sync token: %w", err)
		}
	}

	for _, roomID := range result.Invites {
		if err := e.syncer.JoinRoom(ctx, roomID); err != nil {
			slog.Error("failed to join invited room", "room", roomID, "error", err)
		} else {
			slog.Info("joined room", "room", roomID)
		}
	}

	for _, room := range result.Joined {
		e.dispatchRoom(ctx, auth.UserID, room)
	}
	return nil
}

// dispatchRoom feeds one room's events to the handler. A failure on one
// event is logged and does not stop the rest of the room, and a failing
// room does not stop the tick.
func (e *Engine) dispatchRoom(ctx context.Context, botUserID string, room matrix.RoomEvents) {
	for _, evt := range room.Events {
		if evt.Type != event.EventMessage || string(evt.Sender) == botUserID {
			continue
		}
		e.dispatchEvent(ctx, room.RoomID, evt)
	}
}

func (e *Engine) dispatchEvent(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling event", "room", roomID, "event", evt.ID, "panic", r)
		}
	}()
	if err := e.dispatcher.HandleMessage(ctx, roomID, evt); err != nil {
		slog.Error("failed to handle event", "room", roomID, "event", evt.ID, "error", err)
	}
}
