package sessionrt

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownConfig configures the shutdown coordinator.
type ShutdownConfig struct {
	// OnShutdown runs after the in-flight turn settles, before the session is
	// marked paused and saved. Errors are logged and otherwise ignored.
	OnShutdown func(ctx context.Context) error

	// Exit terminates the process. Defaults to os.Exit; tests inject a fake.
	Exit func(code int)

	Logger *slog.Logger
}

// ShutdownCoordinator turns OS termination signals into a graceful drain of
// the session loop. The first signal waits for the in-flight turn, marks the
// session paused, saves it, and exits 0. A second signal before the drain
// completes forces a best-effort save and exits 1. Persistence failures
// during shutdown are swallowed: the process must still exit.
type ShutdownCoordinator struct {
	session *Session
	store   *Store
	cfg     ShutdownConfig

	mu           sync.Mutex
	registered   bool
	shuttingDown bool
	forceExit    bool
	currentTurn  <-chan struct{}

	sigCh  chan os.Signal
	stopCh chan struct{}
}

// NewShutdownCoordinator creates a coordinator for one session. store may be
// nil when the session is not persisted.
func NewShutdownCoordinator(session *Session, store *Store, cfg ShutdownConfig) *ShutdownCoordinator {
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShutdownCoordinator{
		session: session,
		store:   store,
		cfg:     cfg,
	}
}

// Register attaches SIGINT/SIGTERM listeners. Calling it more than once is a
// no-op.
func (c *ShutdownCoordinator) Register() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return
	}
	c.registered = true
	c.sigCh = make(chan os.Signal, 2)
	c.stopCh = make(chan struct{})
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.watch(c.sigCh, c.stopCh)
}

// Unregister detaches the signal listeners.
func (c *ShutdownCoordinator) Unregister() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.registered {
		return
	}
	c.registered = false
	signal.Stop(c.sigCh)
	close(c.stopCh)
}

func (c *ShutdownCoordinator) watch(sigCh chan os.Signal, stopCh chan struct{}) {
	for {
		select {
		case <-sigCh:
			// Each signal gets its own goroutine so a second signal is
			// observed while the first drain is still waiting on the turn.
			go c.handleSignal()
		case <-stopCh:
			return
		}
	}
}

// SetCurrentTurn registers the in-flight turn; done must be closed when the
// turn settles, success or failure.
func (c *ShutdownCoordinator) SetCurrentTurn(done <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTurn = done
}

// ClearCurrentTurn marks the loop idle between turns.
func (c *ShutdownCoordinator) ClearCurrentTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTurn = nil
}

// ShuttingDown reports whether a shutdown has been requested. The loop polls
// this at the top of every turn.
func (c *ShutdownCoordinator) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// ForceExit reports whether a second signal escalated the shutdown.
func (c *ShutdownCoordinator) ForceExit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceExit
}

func (c *ShutdownCoordinator) handleSignal() {
	c.mu.Lock()
	if c.shuttingDown {
		c.forceExit = true
		c.mu.Unlock()
		c.cfg.Logger.Warn("second termination signal, forcing exit")
		c.saveBestEffort()
		c.cfg.Exit(1)
		return
	}
	c.shuttingDown = true
	turn := c.currentTurn
	c.mu.Unlock()

	c.cfg.Logger.Info("termination signal received, draining current turn")
	if turn != nil {
		<-turn
	}
	if c.cfg.OnShutdown != nil {
		if err := c.cfg.OnShutdown(context.Background()); err != nil {
			c.cfg.Logger.Warn("shutdown callback failed", "error", err)
		}
	}
	c.session.SetStatus(StatusPaused)
	c.saveBestEffort()
	c.cfg.Exit(0)
}

func (c *ShutdownCoordinator) saveBestEffort() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(c.session); err != nil {
		c.cfg.Logger.Warn("session save during shutdown failed", "error", err)
	}
}
