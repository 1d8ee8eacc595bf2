// Package assets runs asynchronous 3D asset generation jobs. Each job is keyed
// by the entity it builds so a construction or weapon never has two jobs in
// flight, and shutdown cancels and drains everything still running.
package assets

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"marscolony.ai/internal/logger"
)

var (
	ErrBusy   = errors.New("asset job already running for entity")
	ErrClosed = errors.New("asset supervisor closed")
)

// Generator turns a text prompt into a stored model and returns the model
// reference (a path relative to the public assets root).
type Generator interface {
	Generate(ctx context.Context, prompt, dest string) (string, error)
}

type GeneratorFunc func(ctx context.Context, prompt, dest string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt, dest string) (string, error) {
	return f(ctx, prompt, dest)
}

type Job struct {
	// Entity identifies what is being built, e.g. "construction:12".
	Entity string
	Prompt string
	Dest   string
	// Done runs on success with the generated model reference.
	Done func(ctx context.Context, modelRef string) error
}

// Result is reported to the finish hook of every job.
type Result struct {
	ID       string
	Entity   string
	ModelRef string
	Err      error
	Elapsed  time.Duration
}

type Supervisor struct {
	gen      Generator
	log      *logger.Logger
	onFinish func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]string
	closed  bool
}

type Option func(*Supervisor)

// WithFinishHook is called after every job, success or not.
func WithFinishHook(fn func(Result)) Option { return func(s *Supervisor) { s.onFinish = fn } }

func WithLogger(l *logger.Logger) Option { return func(s *Supervisor) { s.log = l } }

func NewSupervisor(gen Generator, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		gen:     gen,
		log:     logger.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		running: map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "assets")
	return s
}

// Submit starts job in the background and returns its id.
func (s *Supervisor) Submit(job Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if _, ok := s.running[job.Entity]; ok {
		return "", ErrBusy
	}
	id := uuid.NewString()
	s.running[job.Entity] = id
	s.wg.Add(1)
	go s.run(id, job)
	return id, nil
}

func (s *Supervisor) run(id string, job Job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.Entity)
		s.mu.Unlock()
	}()

	start := time.Now()
	res := Result{ID: id, Entity: job.Entity}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("asset job panicked", "job", id, "entity", job.Entity, "panic", r)
			res.Err = errors.New("asset job panicked")
		}
		res.Elapsed = time.Since(start)
		if s.onFinish != nil {
			s.onFinish(res)
		}
	}()

	s.log.Info("asset job started", "job", id, "entity", job.Entity, "dest", job.Dest)
	ref, err := s.gen.Generate(s.ctx, job.Prompt, job.Dest)
	if err != nil {
		res.Err = err
		s.log.Error("asset generation failed", "job", id, "entity", job.Entity, "error", err)
		return
	}
	res.ModelRef = ref
	if job.Done != nil {
		if err := job.Done(s.ctx, ref); err != nil {
			res.Err = err
			s.log.Warn("asset completion skipped", "job", id, "entity", job.Entity, "error", err)
			return
		}
	}
	s.log.Info("asset job finished", "job", id, "entity", job.Entity, "model", ref)
}

// Running reports the number of jobs in flight.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until every submitted job has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Close refuses new jobs, cancels the ones in flight and waits for them or
// for ctx, whichever comes first.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
