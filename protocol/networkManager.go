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

package protocol

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/log"
)

/////////////////////////////////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////////////////////////////////

type NetworkConfig struct {
	Self                  common.NodeAddress
	Peers                 *common.PeerTable
	IsControllerCandidate bool

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ConnectRetries    int
	RetryInterval     time.Duration
	PollInterval      time.Duration
	LinkFailurePolicy LinkFailurePolicy

	// Optional.  Defaults to a net.Dialer.
	Dialer Dialer
}

//
// NetworkManager keeps exactly one link to every other configured master
// and accepts links from slave nodes.
//
// For every pair of masters only the node with the greater id dials; the
// node with the lower id waits for the connection.  Outbound frames are
// queued on the link of the destination, inbound frames from all masters
// share one queue and inbound frames from all slaves share another.
//
type NetworkManager struct {
	config *NetworkConfig
	self   common.NodeAddress
	state  *common.RunState
	dialer Dialer

	peerRecvch  chan *common.Frame
	slaveRecvch chan *common.Frame
	retrych     chan struct{}

	// mutex protected state
	mutex     sync.Mutex
	peers     map[int32]*common.PeerPipe
	slaves    map[int32]*common.PeerPipe
	retries   []common.NodeAddress
	listeners []*common.PeerListener
	isClosed  bool
}

/////////////////////////////////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////////////////////////////////

//
// Create a NetworkManager.  A self id that is not part of the peer table
// is a configuration error that puts the run state into FATAL.  The
// deferred retry goroutine is started here.
//
func NewNetworkManager(config *NetworkConfig, state *common.RunState) (*NetworkManager, error) {

	if config.Peers == nil {
		err := common.NewError(common.SERVER_CONFIG_ERROR, "Missing peer table")
		state.Fatal(err)
		return nil, err
	}

	if _, ok := config.Peers.Lookup(config.Self.NodeId); !ok {
		err := common.NewError(common.SERVER_CONFIG_ERROR,
			fmt.Sprintf("nodeId = %d addr config can not find", config.Self.NodeId))
		state.Fatal(err)
		return nil, err
	}

	applyNetworkDefaults(config)

	m := &NetworkManager{config: config,
		self:        config.Self,
		state:       state,
		dialer:      config.Dialer,
		peerRecvch:  make(chan *common.Frame, common.MAX_PENDING_FRAMES),
		slaveRecvch: make(chan *common.Frame, common.MAX_PENDING_FRAMES),
		retrych:     make(chan struct{}, 1),
		peers:       make(map[int32]*common.PeerPipe),
		slaves:      make(map[int32]*common.PeerPipe),
		isClosed:    false}

	config.Peers.SetCandidate(config.Self.NodeId, config.IsControllerCandidate)

	go m.retryConnect()

	// Tear everything down as soon as the process leaves RUNNING.  Closing
	// the sockets is what wakes up readers blocked in the kernel.
	go func() {
		<-state.Done()
		m.Close()
	}()

	return m, nil
}

func (m *NetworkManager) SelfId() int32 {
	return m.self.NodeId
}

//
// Listen for other masters on laddr.
//
func (m *NetworkManager) ListenMasters(laddr string) (*common.PeerListener, error) {
	li, err := net.Listen(common.MESSAGE_TRANSPORT_TYPE, laddr)
	if err != nil {
		return nil, common.WrapError(common.SERVER_ERROR, "Fail to listen for masters on "+laddr, err)
	}
	return m.ServeMasters(li), nil
}

func (m *NetworkManager) ServeMasters(li net.Listener) *common.PeerListener {
	return m.serve(li, common.ConnHandlerFunc(m.acceptIncoming))
}

//
// Listen for slave nodes on laddr.
//
func (m *NetworkManager) ListenSlaves(laddr string) (*common.PeerListener, error) {
	li, err := net.Listen(common.MESSAGE_TRANSPORT_TYPE, laddr)
	if err != nil {
		return nil, common.WrapError(common.SERVER_ERROR, "Fail to listen for slaves on "+laddr, err)
	}
	return m.ServeSlaves(li), nil
}

func (m *NetworkManager) ServeSlaves(li net.Listener) *common.PeerListener {
	return m.serve(li, common.ConnHandlerFunc(m.acceptSlave))
}

//
// Dial every configured master with a lower id than self.  Masters that
// cannot be reached after the immediate retries are left to the deferred
// retry goroutine.
//
func (m *NetworkManager) ConnectToConfiguredPeers() {
	for _, peer := range m.config.Peers.Others(m.self.NodeId) {
		if !m.state.IsRunning() {
			return
		}
		if peer.NodeId < m.self.NodeId {
			m.connect(peer)
		}
	}
}

//
// Block until links to a majority of the cluster (self included) are up.
// Return false if the process is shutting down.
//
func (m *NetworkManager) WaitForQuorumConnected() bool {

	quorum := Quorum(m.config.Peers.Size())

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		if !m.state.IsRunning() {
			return false
		}

		connected := len(m.ConnectedPeers()) + 1
		if connected >= quorum {
			log.Current.Infof("NetworkManager.WaitForQuorumConnected() : %d of %d masters connected", connected, m.config.Peers.Size())
			return true
		}

		log.Current.Infof("NetworkManager.WaitForQuorumConnected() : wait for other node connect (%d of %d, need %d)",
			connected, m.config.Peers.Size(), quorum)

		select {
		case <-ticker.C:
		case <-m.state.Done():
			return false
		}
	}
}

//
// Queue a payload for the given master.  Return false if there is no link
// to that master or if the process shuts down first.
//
func (m *NetworkManager) Send(peerId int32, payload []byte) bool {
	pipe := m.getLink(common.PEER_CHANNEL, peerId)
	if pipe == nil {
		log.Current.Debugf("NetworkManager.Send() : no link to node %d", peerId)
		return false
	}
	return pipe.Send(payload)
}

//
// Queue a payload for the given slave.
//
func (m *NetworkManager) SendToSlave(slaveId int32, payload []byte) bool {
	pipe := m.getLink(common.SLAVE_CHANNEL, slaveId)
	if pipe == nil {
		return false
	}
	return pipe.Send(payload)
}

//
// Take the next inbound frame of the given kind.  Block until one arrives
// or the process shuts down, in which case ok is false.
//
func (m *NetworkManager) Receive(kind common.ChannelKind) (frame *common.Frame, ok bool) {
	select {
	case frame = <-m.inbound(kind):
		return frame, true
	case <-m.state.Done():
		return nil, false
	}
}

func (m *NetworkManager) ReceiveTimeout(kind common.ChannelKind, timeout time.Duration) (frame *common.Frame, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame = <-m.inbound(kind):
		return frame, true
	case <-timer.C:
		return nil, false
	case <-m.state.Done():
		return nil, false
	}
}

//
// Ids of masters with a live link, sorted.
//
func (m *NetworkManager) ConnectedPeers() []int32 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return sortedIds(m.peers)
}

func (m *NetworkManager) ConnectedSlaves() []int32 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return sortedIds(m.slaves)
}

//
// Ids of masters on the deferred retry list, sorted.
//
func (m *NetworkManager) PendingRetries() []int32 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make([]int32, 0, len(m.retries))
	for _, peer := range m.retries {
		result = append(result, peer.NodeId)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

//
// Run the deferred retries now instead of waiting for the next interval.
//
func (m *NetworkManager) RetryNow() {
	select {
	case m.retrych <- struct{}{}:
	default:
	}
}

//
// Close all listeners and links.  It is safe to call this method multiple
// times.
//
func (m *NetworkManager) Close() {
	m.mutex.Lock()
	if m.isClosed {
		m.mutex.Unlock()
		return
	}
	m.isClosed = true

	listeners := m.listeners
	pipes := make([]*common.PeerPipe, 0, len(m.peers)+len(m.slaves))
	for _, pipe := range m.peers {
		pipes = append(pipes, pipe)
	}
	for _, pipe := range m.slaves {
		pipes = append(pipes, pipe)
	}
	m.peers = make(map[int32]*common.PeerPipe)
	m.slaves = make(map[int32]*common.PeerPipe)
	m.mutex.Unlock()

	log.Current.Infof("NetworkManager.Close() : closing %d listeners and %d links", len(listeners), len(pipes))

	for _, listener := range listeners {
		listener.Close()
	}
	for _, pipe := range pipes {
		pipe.Close()
	}
}

/////////////////////////////////////////////////////////////////////////////
// Private Function - active side
/////////////////////////////////////////////////////////////////////////////

//
// Dial a master, retrying immediately a few times.  On final failure the
// master goes onto the deferred retry list.  Return true once a link to
// the master exists.
//
func (m *NetworkManager) connect(peer common.NodeAddress) bool {

	log.Current.Infof("NetworkManager.connect() : try to connect master node %d at %s", peer.NodeId, peer.MasterAddr())

	for attempt := 0; attempt <= m.config.ConnectRetries && m.state.IsRunning(); attempt++ {
		if m.hasLink(common.PEER_CHANNEL, peer.NodeId) {
			m.removeRetry(peer.NodeId)
			return true
		}

		err := m.dial(peer)
		if err == nil {
			m.removeRetry(peer.NodeId)
			return true
		}

		common.DialFailures.Inc()
		if attempt < m.config.ConnectRetries {
			log.Current.Warnf("NetworkManager.connect() : connect with node %d (%s) fail, retry %d of %d.  Error = %v",
				peer.NodeId, peer.MasterAddr(), attempt+1, m.config.ConnectRetries, err)
		} else {
			log.Current.Errorf("NetworkManager.connect() : connect with node %d (%s) fail.  Error = %v",
				peer.NodeId, peer.MasterAddr(), err)
		}
	}

	if m.state.IsRunning() && m.addRetry(peer) {
		log.Current.Errorf("NetworkManager.connect() : node %d put into retry connect list", peer.NodeId)
	}
	return false
}

//
// Open one connection to a master, exchange handshakes and start the link.
// A handshake failure counts as a connect failure.
//
func (m *NetworkManager) dial(peer common.NodeAddress) error {

	ctx, cancel := contextWithTimeout(m.state, m.config.ConnectTimeout)
	conn, err := m.dialer.DialContext(ctx, common.MESSAGE_TRANSPORT_TYPE, peer.MasterAddr())
	cancel()
	if err != nil {
		return common.WrapError(common.CONNECT_ERROR, "Fail to dial "+peer.MasterAddr(), err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	reply, err := m.exchangeHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	if reply.NodeId != peer.NodeId {
		conn.Close()
		return common.NewError(common.HANDSHAKE_ERROR,
			fmt.Sprintf("Expect node %d at %s, but node %d answered", peer.NodeId, peer.MasterAddr(), reply.NodeId))
	}

	m.config.Peers.SetCandidate(reply.NodeId, reply.IsCandidate)

	if !m.startLink(common.PEER_CHANNEL, reply.NodeId, conn) {
		// Someone else registered a link for this node in the meantime.
		log.Current.Infof("NetworkManager.dial() : link to node %d already exists.  Drop new connection.", peer.NodeId)
		conn.Close()
		return nil
	}

	log.Current.Infof("NetworkManager.dial() : successfully connected master node %d at %s (candidate %v)",
		peer.NodeId, peer.MasterAddr(), reply.IsCandidate)
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Private Function - passive side
/////////////////////////////////////////////////////////////////////////////

//
// Handle a connection accepted on the master port.
//
func (m *NetworkManager) acceptIncoming(conn net.Conn) {

	h, err := m.readHandshake(conn)
	if err != nil {
		m.reject(conn, "handshake", err)
		return
	}

	if h.NodeId == m.self.NodeId || !m.config.Peers.Contains(h.NodeId) {
		m.reject(conn, "unknown_peer",
			common.NewError(common.UNKNOWN_PEER_ERROR, fmt.Sprintf("node %d is not a configured master", h.NodeId)))
		return
	}

	// This node dials masters with a lower id itself.  Its own link is the
	// one that counts for this pair.
	if h.NodeId < m.self.NodeId {
		m.reject(conn, "not_initiator",
			common.NewError(common.PROTOCOL_ERROR, fmt.Sprintf("node %d must wait for node %d to connect", h.NodeId, m.self.NodeId)))
		return
	}

	if m.hasLink(common.PEER_CHANNEL, h.NodeId) {
		m.reject(conn, "duplicate",
			common.NewError(common.PROTOCOL_ERROR, fmt.Sprintf("link to node %d already exists", h.NodeId)))
		return
	}

	m.config.Peers.SetCandidate(h.NodeId, h.IsCandidate)

	if err := m.writeHandshake(conn); err != nil {
		m.reject(conn, "handshake", err)
		return
	}

	if !m.startLink(common.PEER_CHANNEL, h.NodeId, conn) {
		m.reject(conn, "duplicate",
			common.NewError(common.PROTOCOL_ERROR, fmt.Sprintf("link to node %d already exists", h.NodeId)))
		return
	}

	log.Current.Infof("NetworkManager.acceptIncoming() : node %d connected from %s (candidate %v)",
		h.NodeId, conn.RemoteAddr(), h.IsCandidate)
}

//
// Handle a connection accepted on the slave port.  Slaves are not part of
// the peer table; their id only has to be unique among connected slaves.
//
func (m *NetworkManager) acceptSlave(conn net.Conn) {

	h, err := m.readHandshake(conn)
	if err != nil {
		m.reject(conn, "handshake", err)
		return
	}

	if m.hasLink(common.SLAVE_CHANNEL, h.NodeId) {
		m.reject(conn, "duplicate",
			common.NewError(common.PROTOCOL_ERROR, fmt.Sprintf("slave %d already connected", h.NodeId)))
		return
	}

	if err := m.writeHandshake(conn); err != nil {
		m.reject(conn, "handshake", err)
		return
	}

	if !m.startLink(common.SLAVE_CHANNEL, h.NodeId, conn) {
		m.reject(conn, "duplicate",
			common.NewError(common.PROTOCOL_ERROR, fmt.Sprintf("slave %d already connected", h.NodeId)))
		return
	}

	log.Current.Infof("NetworkManager.acceptSlave() : slave %d connected from %s", h.NodeId, conn.RemoteAddr())
}

func (m *NetworkManager) reject(conn net.Conn, reason string, err error) {
	common.ConnectionsRejected.WithLabelValues(reason).Inc()
	log.Current.Errorf("NetworkManager.reject() : closing connection from %s.  Error = %v", conn.RemoteAddr(), err)
	conn.Close()
}

/////////////////////////////////////////////////////////////////////////////
// Private Function - handshake
/////////////////////////////////////////////////////////////////////////////

//
// Dialing side: send our handshake, then read the reply.
//
func (m *NetworkManager) exchangeHandshake(conn net.Conn) (common.HandshakeFrame, error) {
	if err := m.writeHandshake(conn); err != nil {
		return common.HandshakeFrame{}, err
	}
	return m.readHandshake(conn)
}

func (m *NetworkManager) writeHandshake(conn net.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(m.config.HandshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	return common.WriteHandshake(conn, common.NewHandshakeFrame(m.self.NodeId, m.config.IsControllerCandidate))
}

func (m *NetworkManager) readHandshake(conn net.Conn) (common.HandshakeFrame, error) {
	conn.SetReadDeadline(time.Now().Add(m.config.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	h, err := common.ReadHandshake(conn)
	if err != nil {
		return h, errors.Wrapf(err, "handshake with %s", conn.RemoteAddr())
	}
	return h, nil
}

/////////////////////////////////////////////////////////////////////////////
// Private Function - link registry
/////////////////////////////////////////////////////////////////////////////

//
// Register a new link if the node has none yet.  The PeerPipe is only
// created once the slot is known to be free.
//
func (m *NetworkManager) startLink(kind common.ChannelKind, nodeId int32, conn net.Conn) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isClosed || !m.state.IsRunning() {
		return false
	}

	links := m.linksFor(kind)
	if _, ok := links[nodeId]; ok {
		return false
	}

	links[nodeId] = common.NewPeerPipe(nodeId, kind, conn, m.inbound(kind), m.state, m.onLinkFailure)
	return true
}

func (m *NetworkManager) getLink(kind common.ChannelKind, nodeId int32) *common.PeerPipe {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.linksFor(kind)[nodeId]
}

func (m *NetworkManager) hasLink(kind common.ChannelKind, nodeId int32) bool {
	return m.getLink(kind, nodeId) != nil
}

// Must be called with mutex held.
func (m *NetworkManager) linksFor(kind common.ChannelKind) map[int32]*common.PeerPipe {
	if kind == common.SLAVE_CHANNEL {
		return m.slaves
	}
	return m.peers
}

//
// Called by a PeerPipe that died on an I/O error.
//
func (m *NetworkManager) onLinkFailure(pipe *common.PeerPipe, err error) {

	nodeId := pipe.GetPeerId()

	m.mutex.Lock()
	links := m.linksFor(pipe.Kind())
	if links[nodeId] == pipe {
		delete(links, nodeId)
	}
	m.mutex.Unlock()

	if pipe.Kind() == common.SLAVE_CHANNEL {
		// A slave going away never affects the masters.
		return
	}

	if m.config.LinkFailurePolicy == FAIL_FAST {
		m.state.Fatal(common.WrapError(common.FATAL_ERROR, fmt.Sprintf("link to master node %d failed", nodeId), err))
		return
	}

	log.Current.Warnf("NetworkManager.onLinkFailure() : link to master node %d lost.  Error = %v", nodeId, err)
	if nodeId < m.self.NodeId {
		if peer, ok := m.config.Peers.Lookup(nodeId); ok && m.addRetry(peer) {
			m.RetryNow()
		}
	}
}

/////////////////////////////////////////////////////////////////////////////
// Private Function - deferred retry
/////////////////////////////////////////////////////////////////////////////

//
// Goroutine.  Periodically re-dial every master on the retry list.
//
func (m *NetworkManager) retryConnect() {
	defer func() {
		if r := recover(); r != nil {
			log.Current.Errorf("panic in NetworkManager.retryConnect() : %v\n", r)
		}
	}()

	ticker := time.NewTicker(m.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.retrych:
		case <-m.state.Done():
			return
		}

		m.mutex.Lock()
		pending := make([]common.NodeAddress, len(m.retries))
		copy(pending, m.retries)
		m.mutex.Unlock()

		for _, peer := range pending {
			if !m.state.IsRunning() {
				return
			}
			if m.connect(peer) {
				log.Current.Infof("NetworkManager.retryConnect() : node %d reconnected", peer.NodeId)
			}
		}
	}
}

//
// Return true if the node was added (it was not on the list yet).
//
func (m *NetworkManager) addRetry(peer common.NodeAddress) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, p := range m.retries {
		if p.NodeId == peer.NodeId {
			return false
		}
	}
	m.retries = append(m.retries, peer)
	common.PendingRetries.Set(float64(len(m.retries)))
	return true
}

func (m *NetworkManager) removeRetry(nodeId int32) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, p := range m.retries {
		if p.NodeId == nodeId {
			m.retries = append(m.retries[:i], m.retries[i+1:]...)
			break
		}
	}
	common.PendingRetries.Set(float64(len(m.retries)))
}

/////////////////////////////////////////////////////////////////////////////
// Private Function - misc
/////////////////////////////////////////////////////////////////////////////

func (m *NetworkManager) inbound(kind common.ChannelKind) chan *common.Frame {
	if kind == common.SLAVE_CHANNEL {
		return m.slaveRecvch
	}
	return m.peerRecvch
}

func (m *NetworkManager) serve(li net.Listener, handler common.ConnHandler) *common.PeerListener {
	listener := common.ServePeerListener(li, handler, m.state)

	m.mutex.Lock()
	closed := m.isClosed
	if !closed {
		m.listeners = append(m.listeners, listener)
	}
	m.mutex.Unlock()

	if closed {
		listener.Close()
	}
	return listener
}

func applyNetworkDefaults(config *NetworkConfig) {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = common.DEFAULT_CONNECT_TIMEOUT * time.Millisecond
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = common.DEFAULT_HANDSHAKE_TIMEOUT * time.Millisecond
	}
	if config.ConnectRetries < 0 {
		config.ConnectRetries = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = common.DEFAULT_RETRY_INTERVAL * time.Millisecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = common.DEFAULT_QUORUM_POLL_INTERVAL * time.Millisecond
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
}

//
// A dial context bounded by the timeout and by the run state.
//
func contextWithTimeout(state *common.RunState, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(state.Context(), timeout)
}

func sortedIds(links map[int32]*common.PeerPipe) []int32 {
	result := make([]int32, 0, len(links))
	for id := range links {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
