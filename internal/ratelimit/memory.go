package ratelimit

import (
	"context"
	"sync"

	"github.com/chronicle-labs/chronicle/internal/clock"
)

type entryKey struct {
	identity string
	class    Class
}

// Entry is the counter state of one (identity, class) key.
type Entry struct {
	Count         int
	WindowResetAt int64 // unix milliseconds
}

// Memory is an in-process Limiter. A single mutex owns the map; entries are
// never deleted, only replaced when their window has passed.
type Memory struct {
	mu      sync.Mutex
	entries map[entryKey]*Entry
	rules   Rules
	clk     clock.Clock
}

func NewMemory(rules Rules, clk clock.Clock) *Memory {
	return &Memory{
		entries: make(map[entryKey]*Entry),
		rules:   rules,
		clk:     clk,
	}
}

func (m *Memory) CheckAndConsume(_ context.Context, identity string, class Class) (Decision, error) {
	rule := m.rules.For(class)
	now := m.clk.Now()
	if rule.Quota <= 0 {
		return Decision{Allowed: true, ResetAt: now.Add(rule.Window)}, nil
	}

	k := entryKey{identity: normalize(identity), class: class}
	nowMs := now.UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[k]
	if !ok || nowMs > e.WindowResetAt {
		e = &Entry{Count: 1, WindowResetAt: nowMs + rule.Window.Milliseconds()}
		m.entries[k] = e
		return decision(true, e, rule), nil
	}
	if e.Count >= rule.Quota {
		return decision(false, e, rule), nil
	}
	e.Count++
	return decision(true, e, rule), nil
}

// Peek returns a copy of the entry for (identity, class) without touching it.
func (m *Memory) Peek(identity string, class Class) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryKey{identity: normalize(identity), class: class}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func decision(allowed bool, e *Entry, rule Rule) Decision {
	return Decision{
		Allowed: allowed,
		Count:   e.Count,
		Quota:   rule.Quota,
		ResetAt: msToTime(e.WindowResetAt),
	}
}
