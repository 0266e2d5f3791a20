package epidra

import (
	"go.uber.org/zap"
)

// elog is the package-wide logger.  It starts out with a production
// configuration; SetDebug switches to a verbose development logger.
var elog = newLogger(false)

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("epidra")
}

// SetDebug toggles debug logging.  Call it before starting a Daemon.
func SetDebug(debug bool) {
	elog = newLogger(debug)
}

// Logger returns the package-wide logger so that the binary can share it.
func Logger() *zap.Logger {
	return elog
}
