package rpcclient

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_GetBlocksUntilComplete(t *testing.T) {
	f := NewFuture()

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.complete("ok", nil)
	}()

	result, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestFuture_CallbacksFireOnceInAttachmentOrder(t *testing.T) {
	f := NewFuture()

	var order []int

	var mu sync.Mutex

	f.OnSuccess(func(any) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	f.OnSuccess(func(any) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	f.complete("v", nil)
	f.complete("v2", nil) // second completion must be a no-op

	_, _ = f.Get()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestFuture_PanicInCallbackIsRecovered(t *testing.T) {
	f := NewFuture()

	var called atomic.Bool

	f.OnSuccess(func(any) { panic("boom") })
	f.OnComplete(func(any, error) { called.Store(true) })

	assert.NotPanics(t, func() { f.complete("v", nil) })
	assert.True(t, called.Load())
}

func TestFuture_OnFailFiresOnlyOnError(t *testing.T) {
	f := NewFuture()

	var successCalled, failCalled atomic.Bool

	f.OnSuccess(func(any) { successCalled.Store(true) })
	f.OnFail(func(error) { failCalled.Store(true) })

	f.complete(nil, errors.New("boom"))

	assert.False(t, successCalled.Load())
	assert.True(t, failCalled.Load())
}

func TestFuture_OnCompleteFiresImmediatelyIfAlreadyDone(t *testing.T) {
	f := NewFuture()
	f.complete("v", nil)

	var called atomic.Bool
	f.OnComplete(func(any, error) { called.Store(true) })

	assert.True(t, called.Load())
}

func TestFuture_Cancel(t *testing.T) {
	f := NewFuture()
	assert.True(t, f.Cancel(errors.New("cancelled")))
	assert.True(t, f.Cancelled())

	// cancelling twice is a no-op
	assert.False(t, f.Cancel(errors.New("again")))
}
