package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Tree runs the supervisor's own long-lived goroutines (monitor loop,
// descriptor watcher, control API, metrics listener) under a suture
// supervisor, so a panicking or failing one is restarted with backoff
// instead of taking the process down.
type Tree struct {
	root *suture.Supervisor
}

// NewTree creates a tree whose events are logged through logger.
func NewTree(name string, logger *slog.Logger) *Tree {
	handler := &sutureslog.Handler{Logger: logger.With("component", "tree")}
	root := suture.New(name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	return &Tree{root: root}
}

// Add registers a service with the tree.
func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// ServeBackground starts the tree. The returned channel yields its exit error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that did not stop in time.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Func adapts a function to a named suture service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }
func (f Func) String() string                  { return f.Name }

// MonitorService wraps the monitoring loop for a Tree.
func (s *Supervisor) MonitorService() suture.Service {
	return Func{Name: "monitor", Run: s.Monitor}
}

// WatcherService wraps the descriptor watcher for a Tree.
func (s *Supervisor) WatcherService(path string) suture.Service {
	return Func{Name: "descriptor-watcher", Run: func(ctx context.Context) error {
		return s.WatchDescriptors(ctx, path)
	}}
}
