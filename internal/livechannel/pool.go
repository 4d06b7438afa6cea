package livechannel

import (
	"context"
	"sync"
)

type poolEntry struct {
	ch   *Channel
	refs int
}

// Pool shares one Channel per topic between subscribers. The channel is opened on
// the first Acquire and closed when the last reference is released.
type Pool struct {
	base Config

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool creates a pool whose channels use base with the topic filled in.
func NewPool(base Config) *Pool {
	return &Pool{base: base, entries: make(map[string]*poolEntry)}
}

// Acquire returns the channel for topic and a release function. A channel whose run
// has ended (Closed, or Disconnected by the server) is replaced by a fresh one.
func (p *Pool) Acquire(topic string) (*Channel, func(), error) {
	p.mu.Lock()
	e, ok := p.entries[topic]
	if !ok || finished(e.ch.State()) {
		cfg := p.base
		cfg.Topic = topic
		e = &poolEntry{ch: New(cfg)}
		if err := e.ch.Start(context.Background()); err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
		p.entries[topic] = e
	}
	e.refs++
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(topic, e) })
	}
	return e.ch, release, nil
}

func finished(s State) bool {
	return s == StateClosed || s == StateDisconnected
}

func (p *Pool) release(topic string, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && p.entries[topic] == e {
		delete(p.entries, topic)
	}
	p.mu.Unlock()

	if last {
		e.ch.Close()
	}
}

// Refs returns how many holders share topic's channel.
func (p *Pool) Refs(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[topic]; ok {
		return e.refs
	}
	return 0
}

// Close shuts every pooled channel down regardless of outstanding references.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.ch.Close()
	}
}
