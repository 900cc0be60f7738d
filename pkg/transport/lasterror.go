package transport

import (
	"fmt"
	"sync"
)

// MaxErrorLength bounds the message kept in an ErrorSlot.
const MaxErrorLength = 1024

// ErrorSlot is the single last-error slot shared by all callers of a
// transport. It is not per goroutine: a later failure overwrites the message
// of an earlier one.
type ErrorSlot struct {
	mu  sync.Mutex
	msg string
}

// Set records a failure message, truncated to MaxErrorLength.
func (s *ErrorSlot) Set(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxErrorLength {
		msg = msg[:MaxErrorLength]
	}
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

// Length returns the length of the current message.
func (s *ErrorSlot) Length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msg)
}

// Message copies the current message into buf and returns the number of bytes copied.
func (s *ErrorSlot) Message(buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(buf, s.msg)
}

// ReadLastError drains the last-error slot of t into a string.
func ReadLastError(t Transport) string {
	n := t.LastErrorLength()
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	return string(buf[:t.LastErrorMessage(buf)])
}
