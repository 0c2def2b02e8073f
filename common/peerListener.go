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
	"net"
	"sync"

	"github.com/ss-govern/govern/log"
)

/////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////

//
// ConnHandler takes ownership of a newly accepted connection.
//
type ConnHandler interface {
	HandleConn(conn net.Conn)
}

//
// ConnHandlerFunc adapts a plain function to ConnHandler.
//
type ConnHandlerFunc func(conn net.Conn)

func (f ConnHandlerFunc) HandleConn(conn net.Conn) {
	f(conn)
}

//
// PeerListener - Listener for TCP connection.  Every accepted connection
// is handed to the ConnHandler on its own goroutine, so a slow handshake
// never holds up the accept loop.
//
type PeerListener struct {
	naddr    string
	listener net.Listener
	handler  ConnHandler
	state    *RunState
	donech   chan struct{}
	mutex    sync.Mutex
	isClosed bool
}

/////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////

//
// Start a new PeerListener on laddr (host:port).
//
func StartPeerListener(laddr string, handler ConnHandler, state *RunState) (*PeerListener, error) {

	li, err := net.Listen(MESSAGE_TRANSPORT_TYPE, laddr)
	if err != nil {
		return nil, WrapError(SERVER_ERROR, "Fail to listen on "+laddr, err)
	}

	return ServePeerListener(li, handler, state), nil
}

//
// Start accepting on an existing listener.  The PeerListener takes
// ownership of li.
//
func ServePeerListener(li net.Listener, handler ConnHandler, state *RunState) *PeerListener {

	listener := &PeerListener{naddr: li.Addr().String(),
		listener: li,
		handler:  handler,
		state:    state,
		donech:   make(chan struct{}),
		isClosed: false}

	go listener.listen()
	return listener
}

func (l *PeerListener) Addr() net.Addr {
	return l.listener.Addr()
}

//
// Closed when the accept loop has terminated.
//
func (l *PeerListener) DoneChannel() <-chan struct{} {
	return l.donech
}

//
// Close the PeerListener.  This function is synchronized and will not
// close the socket twice.
//
func (l *PeerListener) Close() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.isClosed {
		l.isClosed = true

		log.Current.Debugf("PeerListener.Close(): local address %s", l.naddr)

		SafeRun("PeerListener.Close()",
			func() {
				l.listener.Close()
			})
		return true
	}

	return false
}

/////////////////////////////////////////////////
// Private Function
/////////////////////////////////////////////////

//
// Goroutine.  Accept new connections until the listener is closed or the
// process shuts down.
//
func (l *PeerListener) listen() {
	defer func() {
		if r := recover(); r != nil {
			log.Current.Errorf("panic in PeerListener.listen() : %v\n", r)
		}

		l.Close()
		close(l.donech)
	}()

	stop := make(chan struct{})
	defer close(stop)

	// Accept() does not observe the run state, so close the socket to
	// unblock it.
	go func() {
		select {
		case <-l.state.Done():
			l.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.isShutdown() {
				log.Current.Debugf("PeerListener.listen(): listener %s closed.  Terminate.", l.naddr)
			} else {
				log.Current.Errorf("PeerListener.listen(): Error in accepting new connection.  Error = %v. Terminate.", err)
			}
			return
		}

		log.Current.Debugf("PeerListener.listen(): accepted connection from %s on %s", conn.RemoteAddr(), l.naddr)

		go func(c net.Conn) {
			defer func() {
				if r := recover(); r != nil {
					log.Current.Errorf("panic in PeerListener handler : %v\n", r)
					c.Close()
				}
			}()
			l.handler.HandleConn(c)
		}(conn)
	}
}

func (l *PeerListener) isShutdown() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.isClosed || !l.state.IsRunning()
}
