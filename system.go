package epidra

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultFdCur = 65536
	defaultFdMax = 65536
)

// setFdLimit sets the process's file descriptor limit to the given soft (cur)
// and hard (max) cap.  If either of the two given values is 0, we use our
// default value instead.
func setFdLimit(cur, max uint64) error {
	var rLimit unix.Rlimit

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	elog.Info("Original file descriptor limit.",
		zap.Uint64("cur", uint64(rLimit.Cur)), zap.Uint64("max", uint64(rLimit.Max)))

	rLimit.Cur, rLimit.Max = cur, max
	if cur == 0 {
		rLimit.Cur = defaultFdCur
	}
	if max == 0 {
		rLimit.Max = defaultFdMax
	}

	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	elog.Info("Modified file descriptor limit.",
		zap.Uint64("cur", uint64(rLimit.Cur)), zap.Uint64("max", uint64(rLimit.Max)))

	return nil
}
