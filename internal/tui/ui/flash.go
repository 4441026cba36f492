package ui

import (
	"fmt"
	"sync"
	"time"
)

// FlashLevel represents the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

// FlashMessage is a transient notification. Op names the channel operation
// that raised it and is empty for local notices. Count is how many times
// the same message was raised while it was still showing.
type FlashMessage struct {
	Op      string
	Text    string
	Level   FlashLevel
	Count   int
	Expires time.Time
}

// String renders the message for the status bar.
func (m FlashMessage) String() string {
	s := m.Text
	if m.Op != "" {
		s = m.Op + ": " + s
	}
	if m.Count > 1 {
		s += fmt.Sprintf(" (x%d)", m.Count)
	}
	return s
}

// opLevels are the severities of channel errors by operation. The rest are
// warnings.
var opLevels = map[string]FlashLevel{
	"open":  FlashErr,
	"voice": FlashErr,
}

// FlashModel holds the current flash message.
type FlashModel struct {
	mu      sync.RWMutex
	current FlashMessage
	watchCh chan FlashMessage
}

func NewFlashModel() *FlashModel {
	return &FlashModel{
		watchCh: make(chan FlashMessage, 8),
	}
}

func (f *FlashModel) Info(msg string) {
	f.set("", msg, FlashInfo, 5*time.Second)
}

func (f *FlashModel) Warn(msg string) {
	f.set("", msg, FlashWarn, 8*time.Second)
}

func (f *FlashModel) Err(err error) {
	f.set("", err.Error(), FlashErr, 10*time.Second)
}

// Report shows an error the channel surfaced for op.
func (f *FlashModel) Report(op, msg string) {
	level, ok := opLevels[op]
	if !ok {
		level = FlashWarn
	}
	f.set(op, msg, level, 10*time.Second)
}

// Clear drops the current message if op raised it.
func (f *FlashModel) Clear(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Op == op {
		f.current = FlashMessage{}
	}
}

func (f *FlashModel) set(op, msg string, level FlashLevel, d time.Duration) {
	now := time.Now()
	f.mu.Lock()
	fm := FlashMessage{Op: op, Text: msg, Level: level, Count: 1, Expires: now.Add(d)}
	if cur := f.current; cur.Op == op && cur.Text == msg && now.Before(cur.Expires) {
		fm.Count = cur.Count + 1
	}
	f.current = fm
	f.mu.Unlock()
	select {
	case f.watchCh <- fm:
	default:
	}
}

// Get returns the rendered current message, or empty if expired.
func (f *FlashModel) Get() string {
	if m := f.GetMessage(); m != nil {
		return m.String()
	}
	return ""
}

// GetMessage returns the current flash message, or nil if expired.
func (f *FlashModel) GetMessage() *FlashMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.current.Expires) {
		return nil
	}
	m := f.current
	return &m
}

// Watch returns a channel that receives every message set.
func (f *FlashModel) Watch() <-chan FlashMessage {
	return f.watchCh
}
