package testutil

import (
	"bytes"
	"sync"
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/logger"
)

// SyncBuffer is a bytes.Buffer safe for the concurrent writes that
// background goroutines make to a test logger.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogger(t *testing.T) *logger.Logger {
	l, _ := TestLoggerWithBuffer(t)
	return l
}

// TestLoggerWithBuffer returns a text logger and the buffer it writes to.
// The buffer is dumped on failure so the log lines show up in test output.
func TestLoggerWithBuffer(t *testing.T) (*logger.Logger, *SyncBuffer) {
	buf := &SyncBuffer{}
	l := logger.New(logger.Config{Level: "debug", Output: buf})
	t.Cleanup(func() {
		if t.Failed() {
			t.Log(buf.String())
		}
	})
	return l, buf
}
