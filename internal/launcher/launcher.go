// Package launcher is the process-wide lifecycle object every cmd/* binary
// uses instead of global statics: components are handed to a Launcher
// rather than initialized as package-level singletons (spec.md §9,
// "Global singletons" design note).
package launcher

import (
	"fmt"
	"sync"

	"github.com/stonegate/slgcore/internal/console"
	"github.com/stonegate/slgcore/internal/mlog"
)

// App is one deployable loop (the RPC server, the writeback manager's
// worker pool, the gate listener, ...).
type App interface {
	Run(l *Launcher) error
}

// Option configures a Launcher.
type Option func(l *Launcher)

// WithLogger attaches the process logger.
func WithLogger(logger mlog.Logger) Option {
	return func(l *Launcher) { l.Logger = logger }
}

// RunApp registers an app to start when Run is called.
func RunApp(name string, app App) Option {
	return func(l *Launcher) { l.Add(name, app) }
}

// Launcher starts and waits on every registered App.
type Launcher struct {
	Logger mlog.Logger

	apps map[string]App
	wg   sync.WaitGroup
}

// Add registers an app under name.
func (l *Launcher) Add(name string, a App) *Launcher {
	l.apps[name] = a
	return l
}

// Run starts every registered app in its own goroutine and blocks until all
// of them return.
func (l *Launcher) Run() {
	l.wg.Add(len(l.apps))

	fmt.Println(console.Title("Launcher Run"))
	l.Logger.Infof("starting %d app(s)", len(l.apps))

	for name, app := range l.apps {
		go func(name string, app App) {
			defer l.wg.Done()

			l.Logger.Infof("launcher: app (%s) starting", name)

			if err := app.Run(l); err != nil {
				l.Logger.Errorf("launcher: app (%s) error: %v", name, err)
			}

			l.Logger.Infof("launcher: app (%s) finished", name)
		}(name, app)
	}

	l.wg.Wait()
	l.Logger.Info("launcher: terminated")
}

// New creates a Launcher with the given options applied.
func New(opts ...Option) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		opt(l)
	}

	if l.Logger == nil {
		l.Logger = &mlog.NoneLogger{}
	}

	return l
}
