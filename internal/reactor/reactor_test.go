package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pair returns a nonblocking stream socket pair, closed at test end.
func pair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReactor_ReadReadiness(t *testing.T) {
	r := newTestReactor(t)
	a, b := pair(t)

	var got []Event
	require.NoError(t, r.Register(a, Readable, 0, func(ev Event) {
		got = append(got, ev)
		var buf [16]byte
		unix.Read(a, buf[:])
	}))

	// Nothing pending yet.
	n, err := r.Tick(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, got)

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	n, err = r.Tick(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, Readable, got[0])
}

func TestReactor_WriteReadinessAndModify(t *testing.T) {
	r := newTestReactor(t)
	a, _ := pair(t)

	fired := 0
	require.NoError(t, r.Register(a, Writable, 0, func(ev Event) {
		assert.Equal(t, Writable, ev)
		fired++
		// Drop write interest so the loop quiesces.
		require.NoError(t, r.Modify(a, Readable))
	}))

	_, err := r.Tick(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// With read interest only, an idle socket produces nothing.
	n, err := r.Tick(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, fired)
}

func TestReactor_DeregisterSuppressesCallback(t *testing.T) {
	r := newTestReactor(t)
	a, b := pair(t)

	fired := false
	require.NoError(t, r.Register(a, Readable, 0, func(Event) { fired = true }))
	require.NoError(t, r.Deregister(a))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	_, err = r.Tick(50 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.False(t, r.Registered(a))
}

func TestReactor_RegistrationTimeout(t *testing.T) {
	r := newTestReactor(t)
	a, _ := pair(t)

	var got Event
	require.NoError(t, r.Register(a, Readable, 20*time.Millisecond, func(ev Event) {
		got = ev
	}))

	deadline := time.Now().Add(time.Second)
	for got == 0 && time.Now().Before(deadline) {
		_, err := r.Tick(50 * time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, Timedout, got)
}

func TestReactor_TimeoutRearmedByTraffic(t *testing.T) {
	r := newTestReactor(t)
	a, b := pair(t)

	timedOut := false
	require.NoError(t, r.Register(a, Readable, 60*time.Millisecond, func(ev Event) {
		if ev == Timedout {
			timedOut = true
			return
		}
		var buf [16]byte
		unix.Read(a, buf[:])
	}))

	// Keep traffic flowing faster than the timeout for a while.
	for i := 0; i < 5; i++ {
		_, err := unix.Write(b, []byte("x"))
		require.NoError(t, err)
		_, err = r.Tick(30 * time.Millisecond)
		require.NoError(t, err)
		require.False(t, timedOut, "traffic must re-arm the inactivity timer")
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReactor_Timers(t *testing.T) {
	r := newTestReactor(t)

	var order []string
	r.AddTimer(10*time.Millisecond, func() { order = append(order, "first") })
	r.AddTimer(30*time.Millisecond, func() { order = append(order, "second") })
	stopped := r.AddTimer(20*time.Millisecond, func() { order = append(order, "never") })
	stopped.Stop()

	deadline := time.Now().Add(time.Second)
	for len(order) < 2 && time.Now().Before(deadline) {
		_, err := r.Tick(10 * time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestReactor_TimerReset(t *testing.T) {
	r := newTestReactor(t)

	fired := 0
	tm := r.AddTimer(time.Hour, func() { fired++ })
	tm.Reset(10 * time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for fired == 0 && time.Now().Before(deadline) {
		_, err := r.Tick(20 * time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fired)
}

func TestReactor_RegisterTwiceFails(t *testing.T) {
	r := newTestReactor(t)
	a, _ := pair(t)

	require.NoError(t, r.Register(a, Readable, 0, func(Event) {}))
	require.Error(t, r.Register(a, Readable, 0, func(Event) {}))
	require.ErrorIs(t, r.Modify(a+1000, Readable), ErrNotRegistered)
}
