package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"marscolony.ai/internal/logger"
)

// ErrNotFound is returned by a Backend when no record exists under a key.
var ErrNotFound = errors.New("record not found")

// Backend is durable storage for a serialized record.
type Backend interface {
	Load(key string) ([]byte, error)
	Save(key string, b []byte) error
}

// Store keeps one record in memory and flushes it to a Backend after a quiet
// period. Every Update is atomic with respect to other Store calls; anything
// written inside the debounce window is lost if the process dies first.
type Store[T any] struct {
	key     string
	backend Backend
	delay   time.Duration
	log     *logger.Logger

	mu    sync.Mutex
	data  T
	timer *time.Timer
	dirty bool

	flushMu sync.Mutex
	closed  bool
}

type Option func(*options)

type options struct {
	delay time.Duration
	log   *logger.Logger
}

func WithDelay(d time.Duration) Option { return func(o *options) { o.delay = d } }

func WithLogger(l *logger.Logger) Option { return func(o *options) { o.log = l } }

// Open loads key from backend, falling back to def() when nothing is stored
// yet or the stored bytes cannot be decoded.
func Open[T any](backend Backend, key string, def func() T, opts ...Option) (*Store[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("nil backend")
	}
	o := options{delay: time.Second, log: logger.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Store[T]{
		key:     key,
		backend: backend,
		delay:   o.delay,
		log:     o.log.With("store", key),
	}

	raw, err := backend.Load(key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.data = def()
		s.scheduleLocked()
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", key, err)
	default:
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			s.log.Warn("stored record unreadable; starting fresh", "error", err)
			s.data = def()
			s.scheduleLocked()
		} else {
			s.data = v
		}
	}
	return s, nil
}

// View runs fn with the current record under the store lock. fn must not
// retain references into the record or mutate it.
func (s *Store[T]) View(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// Update applies fn to the record under the store lock. When fn returns an
// error the record is still whatever fn left behind, but no flush is
// scheduled; mutators should validate before they write.
func (s *Store[T]) Update(fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.data); err != nil {
		return err
	}
	s.scheduleLocked()
	return nil
}

func (s *Store[T]) scheduleLocked() {
	s.dirty = true
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(); err != nil {
			s.log.Error("flush failed", "error", err)
		}
	})
}

// Flush writes the record now if it changed since the last write.
func (s *Store[T]) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	b, err := json.Marshal(s.data)
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.key, err)
	}
	if err := s.backend.Save(s.key, b); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("save %s: %w", s.key, err)
	}
	return nil
}

// Close cancels the pending timer and performs a final flush.
func (s *Store[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Flush() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemoryBackend keeps records in a map. It is used by tests and by the
// server when persistence is disabled.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string][]byte
	saves int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: map[string][]byte{}}
}

func (m *MemoryBackend) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryBackend) Save(key string, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), b...)
	m.saves++
	return nil
}

// Saves reports how many writes reached the backend.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
