package endpoint

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is the exclusivity lock of an endpoint. At most one process holds it at a time.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns an unheld lock for the identity's lock file.
func NewLock(id Identity) *Lock {
	return &Lock{fl: flock.New(id.LockPath)}
}

// TryAcquire takes the lock without blocking. It reports false when another holder has it.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring endpoint lock %q: %w", l.fl.Path(), err)
	}
	return ok, nil
}

// Release gives up the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing endpoint lock %q: %w", l.fl.Path(), err)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool {
	return l.fl.Locked()
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}
