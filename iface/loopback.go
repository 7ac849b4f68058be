package iface

import "sync"

// Loopback is an in-memory Interface used by tests: frames sent on it are
// appended to an internal buffer a test can drain, instead of touching the
// network or filesystem (the ambient test-tooling rule: no real I/O in
// package tests).
type Loopback struct {
	name          string
	mode          Mode
	bitrate       float64
	announceCap   float64
	localShared   bool
	mu            sync.Mutex
	sent          [][]byte
	onSend        func([]byte)
}

// NewLoopback constructs a named Loopback interface in full mode.
func NewLoopback(name string) *Loopback {
	return &Loopback{name: name, mode: ModeFull, bitrate: 1_000_000, announceCap: 1.0}
}

func (l *Loopback) Name() string                   { return l.name }
func (l *Loopback) Mode() Mode                      { return l.mode }
func (l *Loopback) Bitrate() float64                { return l.bitrate }
func (l *Loopback) AnnounceCap() float64            { return l.announceCap }
func (l *Loopback) IsLocalSharedInstance() bool     { return l.localShared }
func (l *Loopback) SetMode(m Mode)                  { l.mode = m }
func (l *Loopback) SetLocalSharedInstance(v bool)   { l.localShared = v }
func (l *Loopback) OnSend(fn func([]byte))          { l.onSend = fn }

func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	cp := append([]byte(nil), frame...)
	l.sent = append(l.sent, cp)
	cb := l.onSend
	l.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return nil
}

// Sent returns every frame handed to Send, in order.
func (l *Loopback) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}
