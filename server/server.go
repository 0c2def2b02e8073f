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

package server

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/log"
	"github.com/ss-govern/govern/protocol"
)

/////////////////////////////////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////////////////////////////////

type Server struct {
	env       *Env
	runId     string
	state     *common.RunState
	network   *protocol.NetworkManager
	candidate *protocol.ControllerCandidate
	admin     *AdminServer

	// mutex protected state
	mutex        sync.Mutex
	role         protocol.NodeRole
	controllerId int32
}

//
// ServerStatus is the snapshot served by the admin /status endpoint.
//
type ServerStatus struct {
	NodeId          int32   `json:"nodeId"`
	RunId           string  `json:"runId"`
	Status          string  `json:"status"`
	Role            string  `json:"role"`
	ControllerId    int32   `json:"controllerId"`
	Round           int32   `json:"round"`
	ConnectedPeers  []int32 `json:"connectedPeers"`
	PendingRetries  []int32 `json:"pendingRetries"`
	ConnectedSlaves []int32 `json:"connectedSlaves"`
}

/////////////////////////////////////////////////////////////////////////////
// Main Function
/////////////////////////////////////////////////////////////////////////////

//
// Run a master node until ctx is cancelled or a fatal error occurs.
//
func RunServer(ctx context.Context, env *Env) error {
	state := common.NewRunState(ctx)
	return NewServer(env, state).Run()
}

func NewServer(env *Env, state *common.RunState) *Server {
	return &Server{env: env,
		runId:        uuid.New().String(),
		state:        state,
		role:         protocol.UNDECIDED,
		controllerId: -1}
}

//
// Bootstrap, connect to the other masters, elect a controller and keep
// serving until the run state leaves RUNNING.  Return the fatal cause, if
// any.
//
func (s *Server) Run() (err error) {

	defer func() {
		if r := recover(); r != nil {
			log.Current.Errorf("panic in Server.Run() : %v\n%s", r, debug.Stack())
			err = common.NewError(common.FATAL_ERROR, "Server panic")
			s.state.Fatal(err)
		}

		common.SafeRun("Server.cleanupState()",
			func() {
				s.cleanupState()
			})
	}()

	if err := s.bootstrap(); err != nil {
		s.state.Fatal(err)
		return err
	}

	log.Current.Infof("Server.Run() : node %d (run %s) connecting to other masters", s.env.Self().NodeId, s.runId)
	s.network.ConnectToConfiguredPeers()

	if !s.network.WaitForQuorumConnected() {
		return s.exitError()
	}

	if err := s.runElection(); err != nil {
		if !s.state.IsRunning() {
			return s.exitError()
		}
		s.state.Fatal(err)
		return err
	}

	go s.servePeers()
	go s.serveSlaves()

	<-s.state.Done()
	return s.exitError()
}

//
// Ask the server to stop.
//
func (s *Server) Terminate() {
	s.state.Stop()
}

func (s *Server) IsRunning() bool {
	return s.state.IsRunning()
}

func (s *Server) RunId() string {
	return s.runId
}

//
// Return the role of this node and the controller id.  The role is
// UNDECIDED until the election finishes.
//
func (s *Server) Role() (protocol.NodeRole, int32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.role, s.controllerId
}

func (s *Server) Status() ServerStatus {

	role, controllerId := s.Role()
	status := ServerStatus{NodeId: s.env.Self().NodeId,
		RunId:           s.runId,
		Status:          s.state.Status().String(),
		Role:            role.String(),
		ControllerId:    controllerId,
		ConnectedPeers:  []int32{},
		PendingRetries:  []int32{},
		ConnectedSlaves: []int32{}}

	s.mutex.Lock()
	network, candidate := s.network, s.candidate
	s.mutex.Unlock()

	if network != nil {
		status.ConnectedPeers = network.ConnectedPeers()
		status.PendingRetries = network.PendingRetries()
		status.ConnectedSlaves = network.ConnectedSlaves()
	}
	if candidate != nil {
		status.Round = candidate.Round()
	}
	return status
}

/////////////////////////////////////////////////////////////////////////////
// Private Function
/////////////////////////////////////////////////////////////////////////////

//
// Bootstrap.  The listeners are started before any outbound connection so
// that masters with a higher id can reach this node right away.
//
func (s *Server) bootstrap() (err error) {

	network, err := protocol.NewNetworkManager(s.env.NetworkConfig(), s.state)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.network = network
	s.mutex.Unlock()

	self := s.env.Self()
	if _, err := network.ListenMasters(self.MasterAddr()); err != nil {
		return err
	}

	if _, err := network.ListenSlaves(self.SlaveAddr()); err != nil {
		return err
	}

	if len(s.env.AdminAddr()) != 0 {
		admin, err := StartAdminServer(s.env.AdminAddr(), s)
		if err != nil {
			return common.WrapError(common.SERVER_ERROR, "Fail to start AdminServer.", err)
		}
		s.mutex.Lock()
		s.admin = admin
		s.mutex.Unlock()
	}

	return nil
}

//
// run election.  A master that is not a controller candidate only takes
// the STANDBY role.
//
func (s *Server) runElection() error {

	self := s.env.Self()
	if !s.env.Config().IsControllerCandidate {
		log.Current.Infof("Server.runElection() : node %d is not a controller candidate.  Standing by.", self.NodeId)
		s.setRole(protocol.STANDBY, -1)
		return nil
	}

	candidate := protocol.NewControllerCandidate(self.NodeId, s.env.Peers(), s.network, s.state)
	s.mutex.Lock()
	s.candidate = candidate
	s.mutex.Unlock()

	role, controllerId, err := candidate.VoteForControllerElection()
	if err != nil {
		return err
	}

	s.setRole(role, controllerId)
	if role == protocol.CONTROLLER {
		log.Current.Infof("Server.runElection() : Local Server %d is elected as controller.", self.NodeId)
	} else {
		log.Current.Infof("Server.runElection() : Remote Server %d is elected as controller.", controllerId)
	}
	return nil
}

//
// Goroutine.  Drain master frames that arrive once the controller is
// known, so the readers of the master links never block.
//
func (s *Server) servePeers() {
	for {
		frame, ok := s.network.Receive(common.PEER_CHANNEL)
		if !ok {
			return
		}
		latePeerFrames.Inc()
		log.Current.Debugf("Server.servePeers() : drop %d bytes from master %d, election is over", len(frame.Payload), frame.PeerId)
	}
}

//
// Goroutine.  Drain frames sent by slave nodes.
//
func (s *Server) serveSlaves() {
	for {
		frame, ok := s.network.Receive(common.SLAVE_CHANNEL)
		if !ok {
			return
		}
		log.Current.Debugf("Server.serveSlaves() : %d bytes from slave %d", len(frame.Payload), frame.PeerId)
	}
}

func (s *Server) setRole(role protocol.NodeRole, controllerId int32) {
	s.mutex.Lock()
	s.role = role
	s.controllerId = controllerId
	s.mutex.Unlock()

	protocol.SetRoleMetric(role)
}

func (s *Server) exitError() error {
	if s.state.Status() == common.FATAL {
		return s.state.Err()
	}
	return nil
}

//
// Cleanup internal state upon exit
//
func (s *Server) cleanupState() {

	s.state.Stop()

	s.mutex.Lock()
	network, admin := s.network, s.admin
	s.mutex.Unlock()

	common.SafeRun("Server.cleanupState()",
		func() {
			if admin != nil {
				admin.Close()
			}
		})

	common.SafeRun("Server.cleanupState()",
		func() {
			if network != nil {
				network.Close()
			}
		})

	log.Current.Infof("Server.cleanupState() : node %d stopped, status %v", s.env.Self().NodeId, s.state.Status())
}
