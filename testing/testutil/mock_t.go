package testutil

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// MockT is a testing.TB that records failures instead of reporting them.
// It lets tests check that an assertion helper fails when it should.
type MockT struct {
	testing.TB // embedded for the unexported methods; never called

	mu       sync.Mutex
	failed   bool
	fatal    bool
	messages []string
}

// NewMockT creates a new MockT.
func NewMockT() *MockT {
	return &MockT{}
}

func (m *MockT) fail(fatal bool, msg string) {
	m.mu.Lock()
	m.failed = true
	m.fatal = m.fatal || fatal
	if msg != "" {
		m.messages = append(m.messages, msg)
	}
	m.mu.Unlock()
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Log implements testing.TB.
func (m *MockT) Log(args ...any) {}

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) { m.fail(false, fmt.Sprint(args...)) }

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) { m.fail(false, fmt.Sprintf(format, args...)) }

// Fail implements testing.TB.
func (m *MockT) Fail() { m.fail(false, "") }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.fail(true, "")
	runtime.Goexit()
}

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.fail(true, fmt.Sprint(args...))
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.fail(true, fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Stopped reports whether FailNow, Fatal or Fatalf was called.
func (m *MockT) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Messages returns the recorded failure messages.
func (m *MockT) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// RunWithMockT runs fn on its own goroutine so Fatal and FailNow can stop
// it, and returns the MockT once fn has finished.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}
