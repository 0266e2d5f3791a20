package epidra

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// transparencyLog implements an interface for an append-only data structure
// that records the enclaves a service provider accepted.
type transparencyLog interface {
	append(*logRecord) error
	String() string // human-readable representation
}

// logRecord represents a single accepted attestation.
type logRecord struct {
	mrEnclave [measurementLen]byte
	mrSigner  [measurementLen]byte
	isvSVN    uint16
	status    string
	reportID  string
	time      time.Time
}

func newAttestationRecord(q *QuoteBody, r *AttestationReport) *logRecord {
	return &logRecord{
		mrEnclave: q.MREnclave,
		mrSigner:  q.MRSigner,
		isvSVN:    q.ISVSVN,
		status:    r.ISVEnclaveQuoteStatus,
		reportID:  r.ID,
		time:      time.Now().UTC(),
	}
}

// String returns a string representation of the log record.
func (r *logRecord) String() string {
	return fmt.Sprintf("%s: mrenclave=%s mrsigner=%s isvsvn=%d status=%s report=%s\n",
		r.time.Format(time.RFC3339),
		hex.EncodeToString(r.mrEnclave[:]),
		hex.EncodeToString(r.mrSigner[:]),
		r.isvSVN,
		r.status,
		r.reportID)
}

// memLog implements a transparencyLog in memory.  It keeps at most max
// records and drops the oldest ones first.
type memLog struct {
	sync.Mutex
	max int
	log []*logRecord
}

func newMemLog(max int) *memLog {
	return &memLog{max: max}
}

// append appends the given logRecord to the memory log.
func (m *memLog) append(r *logRecord) error {
	m.Lock()
	defer m.Unlock()

	m.log = append(m.log, r)
	if m.max > 0 && len(m.log) > m.max {
		m.log = m.log[len(m.log)-m.max:]
	}
	return nil
}

// size returns the memory log's size.
func (m *memLog) size() int {
	m.Lock()
	defer m.Unlock()

	return len(m.log)
}

// String returns a string representation of the memory log.
func (m *memLog) String() string {
	m.Lock()
	defer m.Unlock()

	var s string
	for _, r := range m.log {
		s += r.String()
	}
	return s
}
