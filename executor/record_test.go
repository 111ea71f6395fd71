package executor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/host/soft"
	"github.com/gogpu/guestgpu/scheduler"
)

func newRecordThread(t *testing.T, scale uint, onError func(error), devOpts ...soft.Option) *RecordThread {
	t.Helper()
	dev := soft.NewDevice(devOpts...)
	sched := scheduler.New(dev)
	r, err := NewRecordThread(dev, sched, scale, fence.DefaultWaitSlice, onError)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		sched.Close()
		dev.Destroy()
	})
	return r
}

func acquire(t *testing.T, r *RecordThread) (*Slot, *fence.Cycle) {
	t.Helper()
	s, err := r.AcquireSlot()
	require.NoError(t, err)
	c, err := s.Reset()
	require.NoError(t, err)
	s.waitReady()
	return s, c
}

func TestRecordThreadRecordsNodesInOrder(t *testing.T) {
	r := newRecordThread(t, 2, nil)
	var log orderLog

	s, c := acquire(t, r)
	for _, name := range []string{"a", "b", "c"} {
		s.nodes = append(s.nodes, functionNode{fn: log.cmd(name)})
	}
	require.NoError(t, r.ReleaseSlot(s))
	c.Wait(false)

	assert.Equal(t, []string{"a", "b", "c"}, log.get())
	assert.True(t, c.Signalled())
}

func TestRecordThreadGrowsAfterWait(t *testing.T) {
	r := newRecordThread(t, 2, nil)
	assert.Equal(t, 1, r.Slots())

	s, _ := acquire(t, r)
	s.didWait.Store(true)
	require.NoError(t, r.ReleaseSlot(s))
	require.Eventually(t, func() bool { return r.Slots() == 3 }, 5*time.Second, time.Millisecond)

	// The pool is bounded by 1<<scale.
	for range 4 {
		s, _ := acquire(t, r)
		s.didWait.Store(true)
		require.NoError(t, r.ReleaseSlot(s))
	}
	require.Eventually(t, r.IsIdle, 5*time.Second, time.Millisecond)
	assert.LessOrEqual(t, r.Slots(), 4)
}

func TestRecordThreadReportsSubmitFailure(t *testing.T) {
	boom := errors.New("boom")
	var (
		mu   sync.Mutex
		errs []error
	)
	r := newRecordThread(t, 1, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}, soft.WithSubmitHook(func(host.SubmitInfo) error { return boom }))

	s, c := acquire(t, r)
	require.NoError(t, r.ReleaseSlot(s))
	c.Wait(false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.True(t, c.Signalled(), "a failed submission cancels its cycle")
}
