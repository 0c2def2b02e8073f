// @author Couchbase <info@couchbase.com>
// @copyright 2014 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"bufio"
	"net"
	"sync"

	"github.com/ss-govern/govern/log"
)

/////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////

//
// LinkFailureHandler is invoked once when a PeerPipe is torn down by an
// I/O error.  It is not invoked when the pipe is closed with Close().
//
type LinkFailureHandler func(pipe *PeerPipe, err error)

//
// PeerPipe is one established link to a remote node.  It owns the socket
// and runs exactly one writer goroutine (draining the pipe's own send
// channel) and one reader goroutine (pushing frames onto a receive channel
// shared by every link of the same ChannelKind).
//
type PeerPipe struct {
	peerId    int32
	kind      ChannelKind
	conn      net.Conn
	sendch    chan []byte
	receivech chan<- *Frame
	state     *RunState
	onFailure LinkFailureHandler

	donech   chan struct{}
	mutex    sync.Mutex
	isClosed bool
}

/////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////

//
// Create a new PeerPipe and start its reader and writer.  The socket must
// have completed its handshake.
//
func NewPeerPipe(peerId int32,
	kind ChannelKind,
	pconn net.Conn,
	receivech chan<- *Frame,
	state *RunState,
	onFailure LinkFailureHandler) *PeerPipe {

	pipe := &PeerPipe{peerId: peerId,
		kind:      kind,
		conn:      pconn,
		sendch:    make(chan []byte, MAX_PENDING_FRAMES),
		receivech: receivech,
		state:     state,
		onFailure: onFailure,
		donech:    make(chan struct{}),
		isClosed:  false}

	LinksActive.WithLabelValues(kind.String()).Inc()

	go pipe.doSend()
	go pipe.doReceive()
	return pipe
}

func (p *PeerPipe) GetPeerId() int32 {
	return p.peerId
}

func (p *PeerPipe) Kind() ChannelKind {
	return p.kind
}

//
// Get the net address of the remote peer.
//
func (p *PeerPipe) GetAddr() string {
	return p.conn.RemoteAddr().String()
}

//
// Closed when the pipe is torn down, for whatever reason.
//
func (p *PeerPipe) DoneChannel() <-chan struct{} {
	return p.donech
}

func (p *PeerPipe) IsClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.isClosed
}

//
// Close the PeerPipe.  It is safe to call this method multiple times and
// from any goroutine.  Return true if this call closed the pipe.
//
func (p *PeerPipe) Close() bool {
	return p.shutdown(nil)
}

//
// Queue a payload for the peer.  This blocks while the send queue is full
// and returns false if the pipe is closed or the process is shutting down
// before the payload could be queued.
//
func (p *PeerPipe) Send(payload []byte) bool {
	if p.IsClosed() {
		return false
	}

	select {
	case p.sendch <- payload:
		return true
	case <-p.donech:
		return false
	case <-p.state.Done():
		return false
	}
}

/////////////////////////////////////////////////
// Private Function
/////////////////////////////////////////////////

//
// Goroutine.  Go through the send channel and write each payload to the
// peer as a length-prefixed frame.
//
func (p *PeerPipe) doSend() {
	var failure error

	defer func() {
		if r := recover(); r != nil {
			log.Current.Errorf("panic in PeerPipe.doSend() : %v\n", r)
			log.Current.Errorf("%s", log.Current.StackTrace())
			failure = NewError(FATAL_ERROR, "panic in PeerPipe.doSend()")
		}

		p.shutdown(failure)
	}()

	writer := bufio.NewWriter(p.conn)

	for {
		select {
		case payload := <-p.sendch:
			log.Current.Tracef("PeerPipe.doSend() : Sending frame (len %d) to node %d (%s)", len(payload), p.peerId, p.GetAddr())

			if err := WriteFrame(writer, payload); err != nil {
				failure = err
				return
			}
			if err := writer.Flush(); err != nil {
				failure = err
				return
			}
			FramesSent.WithLabelValues(p.kind.String()).Inc()

		case <-p.donech:
			log.Current.Debugf("PeerPipe.doSend() : Pipe to node %d closed.  Terminate.", p.peerId)
			return

		case <-p.state.Done():
			log.Current.Debugf("PeerPipe.doSend() : Shutting down.  Terminate writer for node %d.", p.peerId)
			return
		}
	}
}

//
// Goroutine.  Read frames from the connection and forward them to the
// receive channel.
//
func (p *PeerPipe) doReceive() {
	var failure error

	defer func() {
		if r := recover(); r != nil {
			log.Current.Errorf("panic in PeerPipe.doReceive() : %v\n", r)
			log.Current.Errorf("%s", log.Current.StackTrace())
			failure = NewError(FATAL_ERROR, "panic in PeerPipe.doReceive()")
		}

		p.shutdown(failure)
	}()

	reader := bufio.NewReader(p.conn)

	for {
		payload, err := ReadFrame(reader)
		if err != nil {
			if !p.IsClosed() && p.state.IsRunning() {
				failure = err
			}
			return
		}

		FramesReceived.WithLabelValues(p.kind.String()).Inc()
		log.Current.Tracef("PeerPipe.doReceive() : Received frame (len %d) from node %d", len(payload), p.peerId)

		// This can block if the consumer is slow.  The pipe still wakes up
		// when it is closed or the process shuts down.
		select {
		case p.receivech <- &Frame{PeerId: p.peerId, Payload: payload}:
		case <-p.donech:
			return
		case <-p.state.Done():
			return
		}
	}
}

//
// Tear down the pipe.  A nil cause means a deliberate close.  Only the
// first call has any effect, so a failure observed after a deliberate
// close is not reported.
//
func (p *PeerPipe) shutdown(cause error) bool {
	p.mutex.Lock()
	if p.isClosed {
		p.mutex.Unlock()
		return false
	}
	p.isClosed = true
	close(p.donech)
	p.mutex.Unlock()

	SafeRun("PeerPipe.shutdown()",
		func() {
			p.conn.Close()
		})

	LinksActive.WithLabelValues(p.kind.String()).Dec()

	if cause != nil {
		LinkFailures.WithLabelValues(p.kind.String()).Inc()
		log.Current.Errorf("PeerPipe.shutdown() : Link to node %d (%s) failed.  Error = %v", p.peerId, p.GetAddr(), cause)

		if p.onFailure != nil {
			p.onFailure(p, cause)
		}
	} else {
		log.Current.Debugf("PeerPipe.shutdown() : Link to node %d (%s) closed", p.peerId, p.GetAddr())
	}

	return true
}
