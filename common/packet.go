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

/////////////////////////////////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////////////////////////////////

type Packet interface {
	// Name of the message
	Name() string

	// Encode function shall marshal message to byte array.
	Encode() (data []byte, err error)

	// Decode function shall unmarshal byte array back to message.
	Decode(data []byte) (err error)

	// Debug Print
	String() string
}

//
// ChannelKind selects which shared inbound queue a link delivers to.
//
type ChannelKind byte

const (
	PEER_CHANNEL ChannelKind = iota
	SLAVE_CHANNEL
)

//
// Frame is one decoded application frame together with the node id of the
// link it arrived on.
//
type Frame struct {
	PeerId  int32
	Payload []byte
}

func (k ChannelKind) String() string {
	switch k {
	case PEER_CHANNEL:
		return "peer"
	case SLAVE_CHANNEL:
		return "slave"
	}
	return "unknown"
}
