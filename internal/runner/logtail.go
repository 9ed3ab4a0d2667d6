package runner

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultTailSize bounds the in-memory log tail staged as a run artifact.
const defaultTailSize = 64 << 10

// logTail is a bounded WriteSyncer keeping the most recent log output. It is
// teed under the run logger so the tail lands next to the screenshots when a
// run needs triage.
type logTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLogTail() *logTail {
	return &logTail{max: defaultTailSize}
}

func (t *logTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *logTail) Sync() error { return nil }

func (t *logTail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}

// attach tees the tail under base so every run log line is captured.
func (t *logTail) attach(base *zap.Logger) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	tailCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(t), zapcore.DebugLevel)
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, tailCore)
	}))
}
