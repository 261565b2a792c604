package goroutine

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	SafeGo(log, "boom", func() { panic("kaboom") })

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("kaboom"))
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "goroutine=boom")
}
