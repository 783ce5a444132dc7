package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aximande/phospho/pkg/logging"
)

// Work kinds scheduled by the API
const (
	KindProcessLogs = "process_logs"
	KindRunRecipe   = "run_recipe"
)

var (
	ErrNoHandler = errors.New("no handler registered for kind")
	ErrClosed    = errors.New("queue closed")
)

// Envelope is the serialized form of one unit of background work
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewEnvelope marshals payload into an envelope of the given kind
func NewEnvelope(kind string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// HandlerFunc processes the payload of one envelope
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Queue schedules background work. Enqueue returns once the work is accepted;
// the returned handle tells when it is finished, for backends that can know.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) (*Handle, error)
	Handle(kind string, h HandlerFunc)
	SetRecorder(r Recorder)
	Start(ctx context.Context) error
	Close() error
}

// Recorder observes work in flight
type Recorder interface {
	WorkStarted(kind string)
	WorkFinished(kind string)
}

// Handle is the future of one enqueued envelope
type Handle struct {
	ID   string
	Kind string

	done chan struct{}
	once sync.Once
	err  error
}

func newHandle(env *Envelope) *Handle {
	return &Handle{ID: env.ID, Kind: env.Kind, done: make(chan struct{})}
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handle is resolved
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the outcome. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the handle resolves or ctx ends
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// base holds what every backend shares: handlers, logging and metrics
type base struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *logging.Logger
	recorder Recorder
}

func newBase(logger *logging.Logger) base {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return base{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Handle registers the handler for kind
func (b *base) Handle(kind string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// SetRecorder sets the in-flight work recorder. It may be called while
// work is running.
func (b *base) SetRecorder(r Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorder = r
}

func (b *base) handler(kind string) (HandlerFunc, Recorder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w %s", ErrNoHandler, kind)
	}
	return h, b.recorder, nil
}

// dispatch runs the handler of env, turning panics into errors
func (b *base) dispatch(ctx context.Context, env *Envelope) (err error) {
	h, rec, err := b.handler(env.Kind)
	if err != nil {
		return err
	}
	if rec != nil {
		rec.WorkStarted(env.Kind)
		defer rec.WorkFinished(env.Kind)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("work panicked", logging.Fields{
				"id":    env.ID,
				"kind":  env.Kind,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("panic: %v", r)
		}
		fields := logging.Fields{"id": env.ID, "kind": env.Kind, "duration": time.Since(start).String()}
		if err != nil {
			fields["error"] = err
			b.logger.Error("work failed", fields)
			return
		}
		b.logger.Info("work done", fields)
	}()

	return h(ctx, env.Payload)
}

// Config selects and configures a backend
type Config struct {
	Backend string // "memory", "redis" or "sqs"
	Workers int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	SQSQueueURL string
	SQSRegion   string
}

// New creates the configured queue
func New(ctx context.Context, cfg Config, logger *logging.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(cfg.Workers, logger), nil
	case "redis":
		return NewRedisQueue(ctx, cfg, logger)
	case "sqs":
		return NewSQSQueue(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
