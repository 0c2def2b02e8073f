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
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
)

/////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////

//
// NodeAddress identifies one master node and the ports it serves.
//
type NodeAddress struct {
	NodeId     int32
	Ip         string
	MasterPort int
	SlavePort  int
	ClientPort int
}

//
// PeerTable is the static, id-sorted list of every configured master
// (self included).  The only mutable part is the controller candidacy
// flag of each node, which peers announce in their handshake.
//
type PeerTable struct {
	nodes []NodeAddress

	mutex     sync.RWMutex
	candidacy map[int32]bool
}

/////////////////////////////////////////////////
// NodeAddress
/////////////////////////////////////////////////

func (a NodeAddress) MasterAddr() string {
	return net.JoinHostPort(a.Ip, strconv.Itoa(a.MasterPort))
}

func (a NodeAddress) SlaveAddr() string {
	return net.JoinHostPort(a.Ip, strconv.Itoa(a.SlavePort))
}

func (a NodeAddress) ClientAddr() string {
	return net.JoinHostPort(a.Ip, strconv.Itoa(a.ClientPort))
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%d:%s:%d:%d:%d", a.NodeId, a.Ip, a.MasterPort, a.SlavePort, a.ClientPort)
}

//
// Parse a peer list of the form
// nodeId:ip:masterPort:slavePort:clientPort;nodeId:ip:...
// The result is sorted by node id.  Empty entries (e.g. a trailing
// semicolon) are skipped.
//
func ParseNodeAddresses(servers string) ([]NodeAddress, error) {

	result := make([]NodeAddress, 0, MAX_PEERS)
	seen := make(map[int32]bool)

	for _, entry := range strings.Split(servers, ";") {
		entry = strings.TrimSpace(entry)
		if len(entry) == 0 {
			continue
		}

		fields := strings.Split(entry, ":")
		if len(fields) != 5 {
			return nil, NewError(SERVER_CONFIG_ERROR,
				fmt.Sprintf("Malformed master node entry %q: expect nodeId:ip:masterPort:slavePort:clientPort", entry))
		}

		id, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, WrapError(SERVER_CONFIG_ERROR, fmt.Sprintf("Invalid node id in %q", entry), err)
		}

		addr, err := parseAddress(int32(id), fields[1:])
		if err != nil {
			return nil, err
		}

		if seen[addr.NodeId] {
			return nil, NewError(SERVER_CONFIG_ERROR, fmt.Sprintf("Duplicate node id %d", addr.NodeId))
		}
		seen[addr.NodeId] = true

		result = append(result, addr)
	}

	if len(result) == 0 {
		return nil, NewError(SERVER_CONFIG_ERROR, "Master node list is empty")
	}

	sort.Slice(result, func(i, j int) bool { return result[i].NodeId < result[j].NodeId })
	return result, nil
}

//
// Parse the self address ip:masterPort:slavePort:clientPort.
//
func ParseSelfAddress(nodeId int32, nodeAddr string) (NodeAddress, error) {

	fields := strings.Split(strings.TrimSpace(nodeAddr), ":")
	if len(fields) != 4 {
		return NodeAddress{}, NewError(SERVER_CONFIG_ERROR,
			fmt.Sprintf("Malformed node address %q: expect ip:masterPort:slavePort:clientPort", nodeAddr))
	}

	return parseAddress(nodeId, fields)
}

func parseAddress(nodeId int32, fields []string) (NodeAddress, error) {

	if len(fields[0]) == 0 {
		return NodeAddress{}, NewError(SERVER_CONFIG_ERROR, fmt.Sprintf("Missing ip for node %d", nodeId))
	}

	ports := make([]int, 3)
	for i, f := range fields[1:] {
		port, err := strconv.Atoi(f)
		if err != nil || port < 0 || port > 65535 {
			return NodeAddress{}, WrapError(SERVER_CONFIG_ERROR,
				fmt.Sprintf("Invalid port %q for node %d", f, nodeId), err)
		}
		ports[i] = port
	}

	return NodeAddress{NodeId: nodeId,
		Ip:         fields[0],
		MasterPort: ports[0],
		SlavePort:  ports[1],
		ClientPort: ports[2]}, nil
}

/////////////////////////////////////////////////
// PeerTable
/////////////////////////////////////////////////

//
// Create a PeerTable.  Every node starts as a controller candidate until
// its handshake says otherwise.
//
func NewPeerTable(nodes []NodeAddress) (*PeerTable, error) {

	sorted := make([]NodeAddress, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeId < sorted[j].NodeId })

	candidacy := make(map[int32]bool, len(sorted))
	for i, node := range sorted {
		if i > 0 && sorted[i-1].NodeId == node.NodeId {
			return nil, NewError(SERVER_CONFIG_ERROR, fmt.Sprintf("Duplicate node id %d", node.NodeId))
		}
		candidacy[node.NodeId] = true
	}

	return &PeerTable{nodes: sorted, candidacy: candidacy}, nil
}

func (t *PeerTable) Size() int {
	return len(t.nodes)
}

func (t *PeerTable) Nodes() []NodeAddress {
	result := make([]NodeAddress, len(t.nodes))
	copy(result, t.nodes)
	return result
}

func (t *PeerTable) Lookup(nodeId int32) (NodeAddress, bool) {
	i := sort.Search(len(t.nodes), func(i int) bool { return t.nodes[i].NodeId >= nodeId })
	if i < len(t.nodes) && t.nodes[i].NodeId == nodeId {
		return t.nodes[i], true
	}
	return NodeAddress{}, false
}

func (t *PeerTable) Contains(nodeId int32) bool {
	_, ok := t.Lookup(nodeId)
	return ok
}

//
// All configured nodes except the given one, in id order.
//
func (t *PeerTable) Others(self int32) []NodeAddress {
	result := make([]NodeAddress, 0, len(t.nodes))
	for _, node := range t.nodes {
		if node.NodeId != self {
			result = append(result, node)
		}
	}
	return result
}

func (t *PeerTable) SetCandidate(nodeId int32, candidate bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.candidacy[nodeId]; ok {
		t.candidacy[nodeId] = candidate
	}
}

func (t *PeerTable) IsCandidate(nodeId int32) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.candidacy[nodeId]
}

//
// Ids of every node currently flagged as controller candidate, sorted.
//
func (t *PeerTable) Candidates() []int32 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	result := make([]int32, 0, len(t.nodes))
	for _, node := range t.nodes {
		if t.candidacy[node.NodeId] {
			result = append(result, node.NodeId)
		}
	}
	return result
}
