package diag

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// history is a zapcore.Core keeping the most recent encoded lines in a ring.
type history struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	ring *ring
}

type ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRing(n int) *ring {
	return &ring{lines: make([]string, n)}
}

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the retained lines, oldest first.
func (r *ring) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

func (h *history) With(fields []zapcore.Field) zapcore.Core {
	enc := h.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &history{LevelEnabler: h.LevelEnabler, enc: enc, ring: h.ring}
}

func (h *history) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(ent.Level) {
		return ce.AddCore(ent, h)
	}
	return ce
}

func (h *history) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := h.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := buf.String()
	buf.Free()
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	h.ring.add(truncate(line, MaxLine))
	return nil
}

func (h *history) Sync() error { return nil }
