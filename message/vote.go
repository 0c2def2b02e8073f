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

package message

import (
	"encoding/binary"
	"fmt"

	"github.com/ss-govern/govern/common"
)

// Encoded size of a Vote: round, voter id and candidate id as int32.
const VOTE_SIZE = 12

//
// Vote says that VoterId nominates CandidateId as controller in Round.
// Vote implements common.Packet.
//
type Vote struct {
	VoterId     int32
	CandidateId int32
	Round       int32
}

func NewVote(voterId int32, candidateId int32, round int32) *Vote {
	return &Vote{VoterId: voterId, CandidateId: candidateId, Round: round}
}

func (v *Vote) Name() string {
	return "Vote"
}

//
// Wire layout, big-endian:
//  4 bytes : round
//  4 bytes : voter id
//  4 bytes : candidate id
//
func (v *Vote) Encode() (data []byte, err error) {
	data = make([]byte, VOTE_SIZE)
	binary.BigEndian.PutUint32(data[0:4], uint32(v.Round))
	binary.BigEndian.PutUint32(data[4:8], uint32(v.VoterId))
	binary.BigEndian.PutUint32(data[8:12], uint32(v.CandidateId))
	return data, nil
}

func (v *Vote) Decode(data []byte) (err error) {
	if len(data) != VOTE_SIZE {
		return common.NewError(common.PROTOCOL_ERROR, fmt.Sprintf("Vote payload of %d bytes, expect %d", len(data), VOTE_SIZE))
	}
	v.Round = int32(binary.BigEndian.Uint32(data[0:4]))
	v.VoterId = int32(binary.BigEndian.Uint32(data[4:8]))
	v.CandidateId = int32(binary.BigEndian.Uint32(data[8:12]))
	return nil
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{round: %d, voter: %d, candidate: %d}", v.Round, v.VoterId, v.CandidateId)
}

//
// Decode a frame payload into a new Vote.
//
func DecodeVote(data []byte) (*Vote, error) {
	vote := new(Vote)
	if err := vote.Decode(data); err != nil {
		return nil, err
	}
	return vote, nil
}
