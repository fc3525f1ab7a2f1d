// Package procwatch exits the process when the supervising parent goes
// away, so an orphaned sidecar never keeps holding its port.
package procwatch

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultInterval = 3 * time.Second

// Watcher polls an external liveness check on a timer. When the check
// fails, the process exits.
type Watcher struct {
	interval time.Duration
	log      *slog.Logger

	// alive reports whether the supervisor still exists. The default
	// compares the current parent PID against the one seen at startup;
	// when the parent dies the process is reparented.
	alive func() bool
	exit  func(code int)

	stop chan struct{}
	once sync.Once
}

func New(log *slog.Logger) *Watcher {
	initial := os.Getppid()
	return &Watcher{
		interval: defaultInterval,
		log:      log,
		alive:    func() bool { return os.Getppid() == initial },
		exit:     os.Exit,
		stop:     make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends polling. Idempotent.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if !w.alive() {
				w.log.Warn("parent process is gone, exiting")
				w.exit(0)
				return
			}
		}
	}
}
