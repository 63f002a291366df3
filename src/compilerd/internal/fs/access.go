package fs

import (
	"os"
	"sync"

	"github.com/uber/compiler-server/src/compilerd/entity"
)

// _processID is captured once so every record reports the server process.
var _processID = uint32(os.Getpid())

// AccessLog is the ordered, append-only file access report of a single request.
// A nil *AccessLog disables tracking.
type AccessLog struct {
	mu      sync.Mutex
	records []entity.FileAccessRecord
}

// NewAccessLog returns an empty AccessLog owned by one request.
func NewAccessLog() *AccessLog {
	return &AccessLog{}
}

// Records returns a copy of the recorded accesses in insertion order.
func (l *AccessLog) Records() []entity.FileAccessRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]entity.FileAccessRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded accesses.
func (l *AccessLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *AccessLog) append(r entity.FileAccessRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// RecordAccess appends one access record for path to log.
// ReadWrite reports GENERIC_WRITE because the report format has no combined access right.
func RecordAccess(log *AccessLog, access FileAccess, path string) {
	if log == nil {
		return
	}

	r := entity.FileAccessRecord{
		ProcessID: _processID,
		Path:      path,
	}
	switch access {
	case AccessRead:
		r.RequestedAccess = entity.RequestedAccessRead
		r.DesiredAccess = entity.GenericRead
	case AccessWrite:
		r.RequestedAccess = entity.RequestedAccessWrite
		r.DesiredAccess = entity.GenericWrite
	case AccessReadWrite:
		r.RequestedAccess = entity.RequestedAccessReadWrite
		r.DesiredAccess = entity.GenericWrite
	default:
		return
	}
	log.append(r)
}
