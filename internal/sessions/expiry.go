package sessions

import (
	"log/slog"
	"time"
)

// SweeperConfig configures the periodic expiry sweep.
type SweeperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// TTL is the maximum age of an active session before it expires.
	TTL time.Duration

	// Retention is how long terminal sessions are kept before being purged.
	Retention time.Duration
}

// DefaultSweeperConfig returns the default sweep settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Minute,
		TTL:       2 * time.Hour,
		Retention: 24 * time.Hour,
	}
}

// Sweeper periodically expires stale active sessions and purges old
// terminal ones. It owns a single goroutine started by Start.
type Sweeper struct {
	store  *Store
	cfg    SweeperConfig
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store *Store, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "session-sweeper"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Sweeper) Start() {
	go w.loop()
}

// Stop halts the sweep loop and waits for it to exit.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Sweeper) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			expired, purged := w.store.Sweep(w.cfg.TTL, w.cfg.Retention)
			if expired > 0 || purged > 0 {
				w.logger.Info("session sweep", "expired", expired, "purged", purged)
			}
		}
	}
}
