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
	"net"
	"strings"
	"time"

	"github.com/ss-govern/govern/common"
)

/////////////////////////////////////////////////////////////////////////////
// NodeRole
/////////////////////////////////////////////////////////////////////////////

type NodeRole byte

const (
	UNDECIDED NodeRole = iota
	CONTROLLER
	CANDIDATE
	STANDBY // configured master that is not a controller candidate
)

func (r NodeRole) String() string {
	switch r {
	case CONTROLLER:
		return "CONTROLLER"
	case CANDIDATE:
		return "CANDIDATE"
	case STANDBY:
		return "STANDBY"
	}
	return "UNDECIDED"
}

/////////////////////////////////////////////////////////////////////////////
// LinkFailurePolicy
/////////////////////////////////////////////////////////////////////////////

//
// LinkFailurePolicy decides what an I/O error on an established link does
// to the rest of the process.
//
type LinkFailurePolicy byte

const (
	// Any link failure moves the run state to FATAL.
	FAIL_FAST LinkFailurePolicy = iota
	// Only the failed link is dropped.  Links this node initiated are
	// put back on the deferred retry list.
	ISOLATE
)

func (p LinkFailurePolicy) String() string {
	if p == ISOLATE {
		return "isolate"
	}
	return "fail-fast"
}

func ParseLinkFailurePolicy(s string) (LinkFailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail_fast", "fail-fast", "failfast":
		return FAIL_FAST, nil
	case "isolate":
		return ISOLATE, nil
	}
	return FAIL_FAST, common.NewError(common.SERVER_CONFIG_ERROR, "Unknown link failure policy "+s)
}

/////////////////////////////////////////////////////////////////////////////
// QuorumVerifier
/////////////////////////////////////////////////////////////////////////////

type QuorumVerifier interface {
	HasQuorum(count int) bool
}

//
// Majority quorum over a fixed number of voters: floor(n/2) + 1.
//
type MajorityVerifier struct {
	Size int
}

func Quorum(n int) int {
	return n/2 + 1
}

func (v MajorityVerifier) HasQuorum(count int) bool {
	return count >= Quorum(v.Size)
}

/////////////////////////////////////////////////////////////////////////////
// Transport
/////////////////////////////////////////////////////////////////////////////

//
// Messenger is the part of the connection manager the election needs.
//
type Messenger interface {
	Send(peerId int32, payload []byte) bool
	Receive(kind common.ChannelKind) (*common.Frame, bool)

	// Like Receive, but also gives up after timeout.
	ReceiveTimeout(kind common.ChannelKind, timeout time.Duration) (*common.Frame, bool)
}

//
// Dialer opens outbound connections.  *net.Dialer satisfies it.
//
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}
