package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Aximande/phospho/pkg/logging"
)

// Manager runs registered cleanup functions when the process is asked to stop
type Manager struct {
	funcs   []namedFunc
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown function. Functions run in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown starts
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then runs Shutdown
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("received signal, shutting down", logging.Fields{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("context done, shutting down")
	}
	m.Shutdown()
}

// Shutdown executes the registered functions once, newest first. Errors are
// collected and returned after every function had its chance to run.
func (m *Manager) Shutdown() error {
	var errs []error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(m.funcs) - 1; i >= 0; i-- {
			f := m.funcs[i]
			if err := f.fn(ctx); err != nil {
				m.logger.Error("shutdown step failed", logging.Fields{"step": f.name, "error": err})
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
				continue
			}
			m.logger.Info("shutdown step done", logging.Fields{"step": f.name})
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("shutdown finished with %d error(s): %v", len(errs), errs)
	}
	return nil
}

// StopHTTPServer adapts an http.Server to a shutdown function
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource adapts an io.Closer to a shutdown function
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
