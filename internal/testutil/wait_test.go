package testutil

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForCondition(t *testing.T) {
	var counter int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&counter, 1)
	}()

	assert.True(t, WaitForCondition(t, time.Second, func() bool {
		return atomic.LoadInt32(&counter) == 1
	}))
}

func TestWaitForConditionTimeout(t *testing.T) {
	assert.False(t, WaitForCondition(t, 30*time.Millisecond, func() bool {
		return false
	}))
}

func TestWaitForState(t *testing.T) {
	var state atomic.Value
	state.Store("connecting")
	go func() {
		time.Sleep(10 * time.Millisecond)
		state.Store("open")
	}()

	WaitForState(t, time.Second, func() string { return state.Load().(string) }, "open")
}

func TestReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	assert.Equal(t, 7, Receive(t, ch, time.Second))
}
