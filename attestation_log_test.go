package epidra

import (
	"strings"
	"testing"
)

func TestMemLog(t *testing.T) {
	l := newMemLog(2)
	for i, status := range []string{"OK", "GROUP_OUT_OF_DATE", "SW_HARDENING_NEEDED"} {
		q := &QuoteBody{ISVSVN: uint16(i)}
		if err := l.append(newAttestationRecord(q, &AttestationReport{ISVEnclaveQuoteStatus: status})); err != nil {
			t.Fatalf("Failed to append record: %v", err)
		}
	}
	assertEqual(t, l.size(), 2)

	// The oldest record is gone.
	s := l.String()
	if strings.Contains(s, "status=OK") {
		t.Fatal("Oldest record should have been dropped.")
	}
	if !strings.Contains(s, "isvsvn=2 status=SW_HARDENING_NEEDED") {
		t.Fatalf("Most recent record missing from %q.", s)
	}
	assertEqual(t, strings.Count(s, "\n"), 2)
}

func TestUnboundedMemLog(t *testing.T) {
	l := newMemLog(0)
	for i := 0; i < 100; i++ {
		_ = l.append(newAttestationRecord(&QuoteBody{}, &AttestationReport{}))
	}
	assertEqual(t, l.size(), 100)
}
