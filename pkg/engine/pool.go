package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/xdavidwu/sparkles-sub000/pkg/kubeconfig"
)

// Key identifies a session by kubeconfig path and context name.
type Key struct {
	KubeconfigPath string
	ContextName    string
}

// Factory builds the engine for a key.
type Factory func(Key) (*Engine, error)

// FromKubeconfig returns a Factory that reads the key's kubeconfig and
// context, making requests as impersonate.
func FromKubeconfig(impersonate kubeconfig.Impersonation, opts ...Option) Factory {
	return func(k Key) (*Engine, error) {
		return New(kubeconfig.NewProvider(k.KubeconfigPath, k.ContextName, impersonate), opts...)
	}
}

type entry struct {
	engine   *Engine
	lastUsed time.Time
	holds    int
}

// Pool keeps one engine per kubeconfig context and closes those idle for
// longer than the TTL. An engine is idle while nobody holds it through
// Acquire.
type Pool struct {
	mu      sync.Mutex
	ttl     time.Duration
	factory Factory
	closing chan struct{}
	started bool
	stopped bool
	items   map[Key]*entry
}

// NewPool returns a pool building engines with factory.
func NewPool(ttl time.Duration, factory Factory) *Pool {
	return &Pool{ttl: ttl, factory: factory, closing: make(chan struct{}), items: map[Key]*entry{}}
}

// Start launches the eviction loop. Later calls do nothing.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.evictLoop()
}

// Stop ends the eviction loop and closes every engine.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.closing)
	for k, e := range p.items {
		e.engine.Close()
		delete(p.items, k)
	}
}

// Get returns the engine for k, creating it if needed.
func (p *Pool) Get(k Key) (*Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(k)
	if err != nil {
		return nil, err
	}
	return e.engine, nil
}

// Acquire is Get for long-running use: the engine is not evicted until the
// returned release is called. Release is idempotent.
func (p *Pool) Acquire(k Key) (*Engine, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(k)
	if err != nil {
		return nil, nil, err
	}
	e.holds++
	var once sync.Once
	return e.engine, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			e.holds--
			e.lastUsed = time.Now()
		})
	}, nil
}

func (p *Pool) get(k Key) (*entry, error) {
	if p.stopped {
		return nil, fmt.Errorf("engine pool stopped")
	}
	if e, ok := p.items[k]; ok {
		e.lastUsed = time.Now()
		return e, nil
	}
	eng, err := p.factory(k)
	if err != nil {
		return nil, fmt.Errorf("engine for context %q: %w", k.ContextName, err)
	}
	e := &entry{engine: eng, lastUsed: time.Now()}
	p.items[k] = e
	return e, nil
}

// Touch marks k as used.
func (p *Pool) Touch(k Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.items[k]; ok {
		e.lastUsed = time.Now()
	}
}

// Len returns the number of live engines.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pool) evictLoop() {
	interval := 30 * time.Second
	if half := p.ttl / 2; half > 0 && half < interval {
		interval = half
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-t.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.items {
		if e.holds == 0 && e.lastUsed.Before(cutoff) {
			e.engine.Close()
			delete(p.items, k)
		}
	}
}
