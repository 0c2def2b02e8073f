package common

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failureRecorder struct {
	ch chan error
}

func newFailureRecorder() *failureRecorder {
	return &failureRecorder{ch: make(chan error, 4)}
}

func (r *failureRecorder) handle(pipe *PeerPipe, err error) {
	r.ch <- err
}

func TestPeerPipeDeliversFramesInOrder(t *testing.T) {
	state := NewRunState(context.Background())
	defer state.Stop()

	left, right := net.Pipe()
	inbound := make(chan *Frame, 16)

	a := NewPeerPipe(2, PEER_CHANNEL, left, make(chan *Frame, 1), state, nil)
	b := NewPeerPipe(1, PEER_CHANNEL, right, inbound, state, nil)
	defer a.Close()
	defer b.Close()

	for _, msg := range []string{"one", "two", "three"} {
		require.True(t, a.Send([]byte(msg)))
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case frame := <-inbound:
			assert.Equal(t, int32(1), frame.PeerId)
			assert.Equal(t, want, string(frame.Payload))
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestPeerPipeReportsRemoteClose(t *testing.T) {
	state := NewRunState(context.Background())
	defer state.Stop()

	left, right := net.Pipe()
	recorder := newFailureRecorder()

	pipe := NewPeerPipe(3, PEER_CHANNEL, left, make(chan *Frame, 1), state, recorder.handle)
	right.Close()

	select {
	case err := <-recorder.ch:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler not called")
	}

	assert.True(t, pipe.IsClosed())
	assert.False(t, pipe.Send([]byte("late")))
	assert.False(t, pipe.Close())
}

func TestPeerPipeCloseIsSilent(t *testing.T) {
	state := NewRunState(context.Background())
	defer state.Stop()

	left, right := net.Pipe()
	defer right.Close()
	recorder := newFailureRecorder()

	pipe := NewPeerPipe(3, SLAVE_CHANNEL, left, make(chan *Frame, 1), state, recorder.handle)
	assert.True(t, pipe.Close())
	assert.False(t, pipe.Close())

	<-pipe.DoneChannel()
	select {
	case err := <-recorder.ch:
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerPipeStopsOnShutdown(t *testing.T) {
	state := NewRunState(context.Background())

	left, right := net.Pipe()
	defer right.Close()

	pipe := NewPeerPipe(4, PEER_CHANNEL, left, make(chan *Frame, 1), state, nil)
	state.Stop()

	select {
	case <-pipe.DoneChannel():
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not stop")
	}
	assert.False(t, pipe.Send([]byte("x")))
}
