//go:build !tinygo

package hal

import (
	"io"
	"sync"
)

// hostSerial serializes console writes; a nil writer discards.
type hostSerial struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *hostSerial) Write(p []byte) (int, error) {
	if s.w == nil {
		return len(p), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
