package epidra

import (
	"testing"

	"golang.org/x/sys/unix"
)

func checkFdLimit(t *testing.T, cur, max uint64) {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		t.Fatalf("Failed to get file descriptor limit: %s", err)
	}
	if uint64(rLimit.Cur) != cur || uint64(rLimit.Max) != max {
		t.Fatal("Got unexpected file descriptor limits.")
	}
}

func TestSetFdLimit(t *testing.T) {
	var orig unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &orig); err != nil {
		t.Fatalf("Failed to get file descriptor limit: %s", err)
	}
	// Raising the hard limit needs privileges.
	if orig.Max < defaultFdMax {
		t.Skip("Hard file descriptor limit is too low for this test.")
	}

	// Check if default values are set correctly.
	if err := setFdLimit(0, 0); err != nil {
		t.Fatalf("Failed to set file descriptor limit: %s", err)
	}
	checkFdLimit(t, defaultFdCur, defaultFdMax)

	// Check if custom values are set correctly.
	if err := setFdLimit(defaultFdCur-1, defaultFdMax-1); err != nil {
		t.Fatalf("Failed to set file descriptor limit: %s", err)
	}
	checkFdLimit(t, defaultFdCur-1, defaultFdMax-1)
}
