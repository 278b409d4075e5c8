package cmdloader

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsOnWorkers(t *testing.T) {
	l := New(3, nil)
	defer l.Close()

	var n int32
	var results []<-chan error
	for i := 0; i < 20; i++ {
		results = append(results, l.Submit(func() error {
			atomic.AddInt32(&n, 1)
			return nil
		}))
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}
	assert.Equal(t, int32(20), atomic.LoadInt32(&n))
}

func TestSubmitPropagatesErrorsAndPanics(t *testing.T) {
	l := New(1, nil)
	defer l.Close()

	boom := errors.New("boom")
	assert.Equal(t, boom, <-l.Submit(func() error { return boom }))

	err := <-l.Submit(func() error { panic("bad state") })
	require.Error(t, err)
	assert.Equal(t, "cmdloader: task panicked: bad state", err.Error())

	assert.NoError(t, <-l.Submit(func() error { return nil }))
}

func TestCloseDrainsAndRejects(t *testing.T) {
	l := New(2, nil)
	release := make(chan struct{})
	var ran int32
	first := l.Submit(func() error {
		<-release
		atomic.AddInt32(&ran, 1)
		return nil
	})

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, l.Close())
		close(closed)
	}()
	close(release)
	<-closed

	assert.NoError(t, <-first)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.ErrorIs(t, <-l.Submit(func() error { return nil }), ErrClosed)
	assert.NoError(t, l.Close())
}
