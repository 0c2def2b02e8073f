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
// Public Function
/////////////////////////////////////////////////

//
// Write a single application frame.
//  4 bytes : length of the payload (int32, big-endian)
//  n bytes : payload
//
func WriteFrame(w io.Writer, payload []byte) error {

	if len(payload) > MAX_FRAME_SIZE {
		return NewError(PROTOCOL_ERROR, fmt.Sprintf("Frame of %d bytes exceeds limit %d", len(payload), MAX_FRAME_SIZE))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

//
// Read a single application frame written by WriteFrame.  The returned
// payload is exactly as long as the length prefix says.
//
func ReadFrame(r io.Reader) ([]byte, error) {

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := int32(binary.BigEndian.Uint32(header[:]))
	if size < 0 || int(size) > MAX_FRAME_SIZE {
		return nil, NewError(PROTOCOL_ERROR, fmt.Sprintf("Invalid frame length %d", size))
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}
