package repository

import (
	"log/slog"

	"github.com/c360/permstream/mainline"
)

// trimListener is what the notifier fans trim signals out to. Repositories
// of any key/value type satisfy it.
type trimListener interface {
	OnTrimMemory(TrimLevel)
	Name() string
}

// PressureNotifier fans memory-pressure signals out to every registered
// repository. It is the one process-wide registry instance (constructed once
// and threaded through constructors) standing in for ambient singletons.
type PressureNotifier struct {
	exec      *mainline.Executor
	logger    *slog.Logger
	listeners []trimListener
}

// NewPressureNotifier creates a notifier bound to the graph's executor.
func NewPressureNotifier(exec *mainline.Executor, logger *slog.Logger) *PressureNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PressureNotifier{exec: exec, logger: logger}
}

// register adds a repository. Mainline-only; called lazily from the
// repository's first GetDataObject.
func (n *PressureNotifier) register(l trimListener) {
	n.listeners = append(n.listeners, l)
}

// Registered returns the number of registered repositories. Mainline-only.
func (n *PressureNotifier) Registered() int { return len(n.listeners) }

// Notify delivers a trim signal to every registered repository. Safe to call
// from any goroutine: delivery is marshalled onto the executor.
func (n *PressureNotifier) Notify(level TrimLevel) {
	n.exec.Post(func() {
		n.logger.Info("memory pressure signal", "level", level.String(), "repositories", len(n.listeners))
		for _, l := range n.listeners {
			l.OnTrimMemory(level)
		}
	})
}
