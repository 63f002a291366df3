package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, New())
}

func TestNow(t *testing.T) {
	before := time.Now()
	assert.False(t, clock{}.Now().Before(before))
}

func TestAfterFunc(t *testing.T) {
	fired := make(chan struct{})
	clock{}.AfterFunc(time.Microsecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}

	timer := clock{}.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
}
