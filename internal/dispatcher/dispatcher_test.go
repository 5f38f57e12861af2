package dispatcher

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/akorchagin/mailsift/internal/reactor"
)

// harness owns a reactor and a connected socket pair: the dispatcher side
// and the peer side the test reads and writes.
type harness struct {
	t    *testing.T
	r    *reactor.Reactor
	peer int
}

func newHarness(t *testing.T) (*harness, int) {
	t.Helper()
	r, err := reactor.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0]) // dispatcher usually closed it already
		unix.Close(fds[1])
	})
	return &harness{t: t, r: r, peer: fds[1]}, fds[0]
}

// tick runs reactor iterations for roughly d.
func (h *harness) tick(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		_, err := h.r.Tick(10 * time.Millisecond)
		require.NoError(h.t, err)
	}
}

// tickUntil runs the loop until cond holds or the deadline passes.
func (h *harness) tickUntil(cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		_, err := h.r.Tick(10 * time.Millisecond)
		require.NoError(h.t, err)
	}
	require.True(h.t, cond(), "condition not reached before deadline")
}

// send writes p on the peer side.
func (h *harness) send(p []byte) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(h.peer, p[total:])
		if err == unix.EAGAIN {
			h.tick(10 * time.Millisecond)
			continue
		}
		require.NoError(h.t, err)
		total += n
	}
}

// recv drains whatever the peer has received so far into buf.
func (h *harness) recv(buf *bytes.Buffer) {
	var tmp [4096]byte
	for {
		n, err := unix.Read(h.peer, tmp[:])
		if n > 0 {
			buf.Write(tmp[:n])
			continue
		}
		if err == unix.EAGAIN || n == 0 {
			return
		}
		return
	}
}

// =============================================================================
// Read path
// =============================================================================

func TestLineFraming_StripEOL(t *testing.T) {
	h, fd := newHarness(t)

	var frames []string
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func(frame []byte) bool {
			frames = append(frames, string(frame))
			return true
		},
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	h.send([]byte("hello\r"))
	h.tick(30 * time.Millisecond)
	assert.Empty(t, frames, "no newline seen yet")

	h.send([]byte("\nworld\n"))
	h.tickUntil(func() bool { return len(frames) == 2 })
	assert.Equal(t, []string{"hello", "world"}, frames)
}

func TestLineFraming_KeepEOL(t *testing.T) {
	h, fd := newHarness(t)

	var frames []string
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func(frame []byte) bool {
			frames = append(frames, string(frame))
			return true
		},
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()
	d.SetStripEOL(false)

	h.send([]byte("a\r\nb\n"))
	h.tickUntil(func() bool { return len(frames) == 2 })
	assert.Equal(t, []string{"a\r\n", "b\n"}, frames)
}

func TestPolicySwitch_LineToCharacter(t *testing.T) {
	h, fd := newHarness(t)

	var frames []string
	var d *Dispatcher
	var err error
	d, err = New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func(frame []byte) bool {
			frames = append(frames, string(frame))
			if len(frames) == 1 {
				d.SetPolicy(PolicyCharacter, 4)
			}
			return true
		},
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	h.send([]byte("GET\n0123xyz"))
	h.tickUntil(func() bool { return len(frames) == 2 })
	assert.Equal(t, []string{"GET", "0123"}, frames)
	assert.Equal(t, 3, d.inLen, "residual bytes held until the frame completes")

	// The residual completes once a fourth byte arrives.
	h.send([]byte("w"))
	h.tickUntil(func() bool { return len(frames) == 3 })
	assert.Equal(t, "xyzw", frames[2])
}

func TestCharacterFraming_ExactFrames(t *testing.T) {
	h, fd := newHarness(t)

	var frames []string
	d, err := New(h.r, nil, fd, PolicyCharacter, 3, Callbacks{
		Frame: func(frame []byte) bool {
			frames = append(frames, string(frame))
			return true
		},
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	h.send([]byte("abcdefgh"))
	h.tickUntil(func() bool { return len(frames) == 2 })
	assert.Equal(t, []string{"abc", "def"}, frames)
}

func TestAnyFraming_DeliversBufferedBytes(t *testing.T) {
	h, fd := newHarness(t)

	var got bytes.Buffer
	d, err := New(h.r, nil, fd, PolicyAny, 0, Callbacks{
		Frame: func(frame []byte) bool {
			got.Write(frame)
			return true
		},
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	h.send([]byte("chunk-one"))
	h.tickUntil(func() bool { return got.Len() == 9 })
	h.send([]byte("chunk-two"))
	h.tickUntil(func() bool { return got.Len() == 18 })
	assert.Equal(t, "chunk-onechunk-two", got.String())
}

func TestRead_EOFReachesErrorCallback(t *testing.T) {
	h, fd := newHarness(t)

	var gotErr error
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool { return true },
		Error: func(err error) { gotErr = err },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	require.NoError(t, unix.Shutdown(h.peer, unix.SHUT_WR))
	h.tickUntil(func() bool { return gotErr != nil })
	assert.ErrorIs(t, gotErr, io.EOF)
}

func TestRead_OverflowWithoutFrame(t *testing.T) {
	h, fd := newHarness(t)

	var gotErr error
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool { return true },
		Error: func(err error) { gotErr = err },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	// More than the line buffer with no newline anywhere.
	junk := bytes.Repeat([]byte{'x'}, defaultBufferSize+64)
	h.send(junk)
	h.tickUntil(func() bool { return gotErr != nil })
	assert.ErrorIs(t, gotErr, ErrOverflow)
}

func TestFrameCallbackTerminates(t *testing.T) {
	h, fd := newHarness(t)

	frames := 0
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool {
			frames++
			return false
		},
	}, 0, "test")
	require.NoError(t, err)

	h.send([]byte("one\ntwo\n"))
	h.tickUntil(func() bool { return !h.r.Registered(d.fd) })
	assert.Equal(t, 1, frames, "no frames after terminate")
	assert.True(t, d.removed, "dispatcher torn down on the following tick")
}

// =============================================================================
// Write path
// =============================================================================

func TestWriteOrdering(t *testing.T) {
	h, fd := newHarness(t)

	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool { return true },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	require.NoError(t, d.Write([]byte("A"), false, false))
	require.NoError(t, d.Write([]byte("BC"), false, false))
	require.NoError(t, d.Write([]byte("DEF"), false, false))

	var got bytes.Buffer
	h.tickUntil(func() bool {
		h.recv(&got)
		return got.Len() == 6
	})
	assert.Equal(t, "ABCDEF", got.String())
}

func TestDelayedWrite_FiresDrainedCallback(t *testing.T) {
	h, fd := newHarness(t)

	drained := 0
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame:   func([]byte) bool { return true },
		Drained: func() bool { drained++; return true },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	require.NoError(t, d.Write([]byte("deferred "), true, false))
	require.NoError(t, d.Write([]byte("payload\n"), true, false))
	assert.Zero(t, drained)

	var got bytes.Buffer
	h.tickUntil(func() bool {
		h.recv(&got)
		return drained == 1
	})
	assert.Equal(t, "deferred payload\n", got.String())
}

func TestWrite_BackpressureResumes(t *testing.T) {
	h, fd := newHarness(t)

	drained := 0
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame:   func([]byte) bool { return true },
		Drained: func() bool { drained++; return true },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	// Large enough to overrun the socket buffer and force EAGAIN.
	payload := bytes.Repeat([]byte{'z'}, 1<<20)
	require.NoError(t, d.Write(payload, false, true))

	var got bytes.Buffer
	h.tickUntil(func() bool {
		h.recv(&got)
		return got.Len() == len(payload)
	})
	assert.True(t, bytes.Equal(payload, got.Bytes()))
	// The flush was resumed by writability events, so the tail counts as
	// deferred and fires the drained hook.
	assert.Equal(t, 1, drained)
}

// =============================================================================
// Sendfile
// =============================================================================

func TestSendFile_TransmitsWholeFile(t *testing.T) {
	h, fd := newHarness(t)

	content := bytes.Repeat([]byte("0123456789abcdef"), 8192) // 128 KiB
	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(content)
	require.NoError(t, err)

	drained := 0
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame:   func([]byte) bool { return true },
		Drained: func() bool { drained++; return true },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	require.NoError(t, d.SendFile(int(f.Fd()), int64(len(content))))

	var got bytes.Buffer
	h.tickUntil(func() bool {
		h.recv(&got)
		return got.Len() == len(content)
	})
	assert.True(t, bytes.Equal(content, got.Bytes()))
	assert.Equal(t, 1, drained)
	assert.Nil(t, d.sf, "transfer state cleared on completion")
}

func TestSendFile_RejectsPendingOutput(t *testing.T) {
	h, fd := newHarness(t)

	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool { return true },
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	require.NoError(t, d.Write([]byte("queued"), true, false))
	err = d.SendFile(1, 10)
	require.Error(t, err)

	// The queued write still goes out.
	var got bytes.Buffer
	h.tickUntil(func() bool {
		h.recv(&got)
		return got.Len() == 6
	})
	assert.Equal(t, "queued", got.String())
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestPauseRestore(t *testing.T) {
	h, fd := newHarness(t)

	var frames []string
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func(frame []byte) bool {
			frames = append(frames, string(frame))
			return true
		},
	}, 0, "test")
	require.NoError(t, err)
	defer d.Remove()

	d.Pause()
	h.send([]byte("while-paused\n"))
	h.tick(50 * time.Millisecond)
	assert.Empty(t, frames, "paused dispatcher must stay silent")

	d.Restore()
	h.tickUntil(func() bool { return len(frames) == 1 })
	assert.Equal(t, "while-paused", frames[0])
}

func TestTimeout(t *testing.T) {
	h, fd := newHarness(t)

	var gotErr error
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool { return true },
		Error: func(err error) { gotErr = err },
	}, 30*time.Millisecond, "test")
	require.NoError(t, err)
	defer d.Remove()

	h.tickUntil(func() bool { return gotErr != nil })
	assert.True(t, errors.Is(gotErr, ErrTimeout))
}

func TestRemove_IsIdempotentAndSilent(t *testing.T) {
	h, fd := newHarness(t)

	var frames int
	d, err := New(h.r, nil, fd, PolicyLine, 0, Callbacks{
		Frame: func([]byte) bool { frames++; return true },
	}, 0, "test")
	require.NoError(t, err)

	d.Remove()
	d.Remove()

	h.tick(30 * time.Millisecond)
	assert.Zero(t, frames)
	assert.False(t, h.r.Registered(fd))
}
