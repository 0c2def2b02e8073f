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
	"encoding/binary"
	"fmt"
	"io"
)

/////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////

//
// HandshakeFrame is exchanged by both ends right after a TCP connection is
// established, before any length-prefixed frame.  It is fixed size:
//  8 bytes : protocol version (int64)
//  4 bytes : sender node id (int32)
//  4 bytes : 1 if the sender is a controller candidate, 0 otherwise (int32)
//
type HandshakeFrame struct {
	Version     int64
	NodeId      int32
	IsCandidate bool
}

/////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////

func NewHandshakeFrame(nodeId int32, isCandidate bool) HandshakeFrame {
	return HandshakeFrame{Version: PROTOCOL_VERSION, NodeId: nodeId, IsCandidate: isCandidate}
}

func (h HandshakeFrame) Encode() []byte {
	buf := make([]byte, HANDSHAKE_SIZE)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Version))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.NodeId))
	if h.IsCandidate {
		binary.BigEndian.PutUint32(buf[12:16], 1)
	}
	return buf
}

func DecodeHandshake(buf []byte) (HandshakeFrame, error) {
	if len(buf) != HANDSHAKE_SIZE {
		return HandshakeFrame{}, NewError(HANDSHAKE_ERROR, fmt.Sprintf("Handshake of %d bytes, expect %d", len(buf), HANDSHAKE_SIZE))
	}

	h := HandshakeFrame{
		Version: int64(binary.BigEndian.Uint64(buf[0:8])),
		NodeId:  int32(binary.BigEndian.Uint32(buf[8:12])),
	}

	switch flag := binary.BigEndian.Uint32(buf[12:16]); flag {
	case 0:
	case 1:
		h.IsCandidate = true
	default:
		return HandshakeFrame{}, NewError(HANDSHAKE_ERROR, fmt.Sprintf("Invalid candidate flag %d", flag))
	}

	if h.Version != PROTOCOL_VERSION {
		return HandshakeFrame{}, NewError(HANDSHAKE_ERROR,
			fmt.Sprintf("Protocol version mismatch: got %d, expect %d", h.Version, PROTOCOL_VERSION))
	}

	return h, nil
}

func WriteHandshake(w io.Writer, h HandshakeFrame) error {
	if _, err := w.Write(h.Encode()); err != nil {
		return WrapError(HANDSHAKE_ERROR, "Fail to send handshake", err)
	}
	return nil
}

func ReadHandshake(r io.Reader) (HandshakeFrame, error) {
	buf := make([]byte, HANDSHAKE_SIZE)
	if _, err := io.ReadFull(r, buf); err != nil {
		return HandshakeFrame{}, WrapError(HANDSHAKE_ERROR, "Fail to read handshake", err)
	}
	return DecodeHandshake(buf)
}
