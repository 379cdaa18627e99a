//go:build !windows && !plan9

package diag

import (
	"log/syslog"

	"go.uber.org/zap/zapcore"
)

func syslogCore(tag string, enc zapcore.Encoder, level zapcore.Level) (zapcore.Core, bool) {
	w, err := syslog.New(syslog.LOG_DEBUG|syslog.LOG_USER, tag)
	if err != nil {
		return nil, false
	}
	return zapcore.NewCore(enc, bounded(zapcore.AddSync(w)), level), true
}
