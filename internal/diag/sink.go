// Package diag is the diagnostics sink shared by every component: a zap
// logger tagged with the mod name whose recent history can be dumped to a
// timestamped file after a fatal failure.
package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MaxLine bounds every line kept in the history or written out
	MaxLine = 256
	// number of lines kept for Dump
	historySize = 512
)

// Sink owns the logger of one mod.
type Sink struct {
	name   string
	logger *zap.Logger
	hist   *ring
	fs     afero.Fs
	dir    string
	now    func() time.Time
}

type options struct {
	level  zapcore.Level
	stderr bool
	syslog bool
	fs     afero.Fs
	dir    string
	now    func() time.Time
}

// Option configures a Sink.
type Option func(*options)

// WithLevel sets the minimum level logged.
func WithLevel(l zapcore.Level) Option { return func(o *options) { o.level = l } }

// WithoutStderr keeps lines in the history only.
func WithoutStderr() Option { return func(o *options) { o.stderr = false } }

// WithSyslog also sends every line to the system log.
func WithSyslog() Option { return func(o *options) { o.syslog = true } }

// WithDumpDir sets the directory Dump writes to, on fs.
func WithDumpDir(fs afero.Fs, dir string) Option {
	return func(o *options) {
		o.fs = fs
		o.dir = dir
	}
}

// WithClock overrides the time used for dump file names.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New creates the sink for the mod called name.
func New(name string, opts ...Option) *Sink {
	o := options{
		level:  zapcore.DebugLevel,
		stderr: true,
		fs:     afero.NewOsFs(),
		dir:    os.TempDir(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		name = "plthook"
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = nil
	enc := zapcore.NewConsoleEncoder(encCfg)

	hist := newRing(historySize)
	cores := []zapcore.Core{&history{LevelEnabler: o.level, enc: enc.Clone(), ring: hist}}
	if o.stderr {
		cores = append(cores, zapcore.NewCore(enc.Clone(), bounded(zapcore.Lock(os.Stderr)), o.level))
	}
	if o.syslog {
		if core, ok := syslogCore(name, enc.Clone(), o.level); ok {
			cores = append(cores, core)
		}
	}

	return &Sink{
		name:   name,
		logger: zap.New(zapcore.NewTee(cores...)).Named(name),
		hist:   hist,
		fs:     o.fs,
		dir:    o.dir,
		now:    o.now,
	}
}

// Nop returns a sink that only keeps history.
func Nop() *Sink {
	return New("plthook", WithoutStderr(), WithDumpDir(afero.NewMemMapFs(), "/"))
}

// Name is the mod name the sink tags lines with.
func (s *Sink) Name() string { return s.name }

// Logger returns the zap logger writing to this sink.
func (s *Sink) Logger() *zap.Logger { return s.logger }

// Logf logs a printf-style message bounded to MaxLine bytes.
func (s *Sink) Logf(format string, args ...any) {
	s.logger.Info(truncate(fmt.Sprintf(format, args...), MaxLine))
}

// History returns the retained lines, oldest first.
func (s *Sink) History() []string {
	return s.hist.snapshot()
}

// Dump writes the retained history to <dir>/<name>_YYYY-MM-DD_HH-MM-SS.log
// and returns the path written.
func (s *Sink) Dump() (string, error) {
	_ = s.logger.Sync()
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.log", s.name, s.now().Format("2006-01-02_15-04-05")))
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir %s: %w", s.dir, err)
	}
	lines := s.hist.snapshot()
	data := strings.Join(lines, "\n")
	if len(lines) != 0 {
		data += "\n"
	}
	if err := afero.WriteFile(s.fs, path, []byte(data), 0o644); err != nil {
		return "", fmt.Errorf("write dump %s: %w", path, err)
	}
	return path, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// lineWriter bounds every encoded entry written through it to MaxLine bytes
// plus the line ending.
type lineWriter struct {
	zapcore.WriteSyncer
}

func bounded(ws zapcore.WriteSyncer) zapcore.WriteSyncer {
	return lineWriter{ws}
}

func (w lineWriter) Write(p []byte) (int, error) {
	line := strings.TrimSuffix(string(p), "\n")
	if len(line) <= MaxLine {
		return w.WriteSyncer.Write(p)
	}
	if _, err := w.WriteSyncer.Write([]byte(truncate(line, MaxLine) + "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}
