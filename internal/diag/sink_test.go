package diag

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newTestSink(fs afero.Fs, opts ...Option) *Sink {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	opts = append([]Option{
		WithoutStderr(),
		WithDumpDir(fs, "/var/log/mods"),
		WithClock(func() time.Time { return now }),
	}, opts...)
	return New("kobo-mod", opts...)
}

func TestHistoryKeepsLinesInOrder(t *testing.T) {
	s := newTestSink(afero.NewMemMapFs())
	s.Logger().Info("first")
	s.Logger().Warn("second", zap.String("sym", "open"))

	lines := s.History()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[0], "kobo-mod")
	assert.Contains(t, lines[1], "second")
	assert.Contains(t, lines[1], "open")
}

func TestHistoryIsBounded(t *testing.T) {
	s := newTestSink(afero.NewMemMapFs())
	for i := 0; i < historySize+10; i++ {
		s.Logger().Info(fmt.Sprintf("line %d", i))
	}
	lines := s.History()
	require.Len(t, lines, historySize)
	assert.Contains(t, lines[0], "line 10")
	assert.Contains(t, lines[len(lines)-1], fmt.Sprintf("line %d", historySize+9))
}

func TestLinesAreTruncated(t *testing.T) {
	s := newTestSink(afero.NewMemMapFs())
	s.Logf("%s", strings.Repeat("x", 3*MaxLine))
	s.Logger().Info(strings.Repeat("y", 2*MaxLine))

	for _, line := range s.History() {
		assert.LessOrEqual(t, len(line), MaxLine)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("a", MaxLine-1) + "é" + "tail"
	got := truncate(s, MaxLine)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", MaxLine-1), got)

	assert.Equal(t, "日本", truncate("日本語", 7))
	assert.Equal(t, "short", truncate("short", MaxLine))
}

func TestHistoryTruncatesMultibyte(t *testing.T) {
	s := newTestSink(afero.NewMemMapFs())
	s.Logger().Info(strings.Repeat("語", MaxLine))
	s.Logf("%s", strings.Repeat("ü", MaxLine))

	for _, line := range s.History() {
		assert.LessOrEqual(t, len(line), MaxLine)
		assert.True(t, utf8.ValidString(line))
	}
}

func TestOutputLinesAreBounded(t *testing.T) {
	var buf bytes.Buffer
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	log := zap.New(zapcore.NewCore(enc, bounded(zapcore.AddSync(&buf)), zapcore.DebugLevel))

	log.Info("fits")
	log.Info(strings.Repeat("ß", MaxLine), zap.String("sym", strings.Repeat("z", MaxLine)))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "fits")
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), MaxLine)
		assert.True(t, utf8.ValidString(line))
	}
}

func TestLevel(t *testing.T) {
	s := newTestSink(afero.NewMemMapFs(), WithLevel(zapcore.InfoLevel))
	s.Logger().Debug("hidden")
	s.Logger().Info("shown")
	lines := s.History()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestDump(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestSink(fs)
	s.Logger().Info("patched symbol")
	s.Logger().Error("fatal")

	path, err := s.Dump()
	require.NoError(t, err)
	assert.Equal(t, "/var/log/mods/kobo-mod_2024-03-09_14-05-07.log", path)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "patched symbol")
	assert.Contains(t, lines[1], "fatal")
}

func TestDumpReadOnlyFs(t *testing.T) {
	s := newTestSink(afero.NewReadOnlyFs(afero.NewMemMapFs()))
	s.Logger().Info("x")
	_, err := s.Dump()
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	s := Nop()
	s.Logger().Info("kept")
	assert.Equal(t, "plthook", s.Name())
	assert.Len(t, s.History(), 1)
}
