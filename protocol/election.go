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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/log"
	"github.com/ss-govern/govern/message"
)

/////////////////////////////////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////////////////////////////////

//
// ControllerCandidate runs the controller election among the masters that
// are controller candidates.
//
// Every candidate starts by voting for itself in round 1 and sends its vote
// to every other candidate.  Once the votes held for the current round reach
// a quorum, they are tallied; a candidate with a quorum of votes is the
// controller.  If votes from all candidates are held and nobody has a
// quorum, every node moves its vote to the largest voter id and starts the
// next round.
//
type ControllerCandidate struct {
	selfId    int32
	peers     *common.PeerTable
	messenger Messenger
	state     *common.RunState
	resend    time.Duration

	// mutex protected state
	mutex        sync.Mutex
	vote         *message.Vote
	role         NodeRole
	controllerId int32
}

// votes held for a single round, keyed by voter id
type voteSet map[int32]*message.Vote

//
// A single election run.  Only touched by the goroutine calling
// VoteForControllerElection().
//
type ballot struct {
	candidates map[int32]bool
	others     []int32
	verifier   QuorumVerifier
	received   voteSet
	pending    map[int32]voteSet // votes of later rounds, keyed by round

	// candidates the current vote could not be handed to yet
	undelivered map[int32]bool
}

/////////////////////////////////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////////////////////////////////

func NewControllerCandidate(selfId int32,
	peers *common.PeerTable,
	messenger Messenger,
	state *common.RunState) *ControllerCandidate {

	return &ControllerCandidate{selfId: selfId,
		peers:        peers,
		messenger:    messenger,
		state:        state,
		resend:       common.DEFAULT_VOTE_RESEND_INTERVAL * time.Millisecond,
		role:         UNDECIDED,
		controllerId: -1}
}

//
// How long to wait for votes before re-sending the current vote to
// candidates that had no link when it was sent.
//
func (c *ControllerCandidate) SetResendInterval(interval time.Duration) {
	if interval > 0 {
		c.resend = interval
	}
}

//
// Run the election until a controller is found.  Return the role of this
// node and the id of the controller.  If the process stops running first
// the role is UNDECIDED and the error wraps the cause.
//
func (c *ControllerCandidate) VoteForControllerElection() (NodeRole, int32, error) {

	if !c.peers.IsCandidate(c.selfId) {
		return UNDECIDED, -1, common.NewError(common.ELECTION_ERROR,
			fmt.Sprintf("node %d is not a controller candidate", c.selfId))
	}

	b := c.newBallot()
	c.setVote(message.NewVote(c.selfId, c.selfId, 1))
	b.received[c.selfId] = c.currentVote()

	log.Current.Infof("ControllerCandidate.VoteForControllerElection() : start election among candidates %v (quorum %d)",
		c.peers.Candidates(), Quorum(len(b.candidates)))

	for c.state.IsRunning() {

		vote := c.currentVote()
		electionRounds.Inc()
		currentRound.Set(float64(vote.Round))
		log.Current.Debugf("ControllerCandidate.VoteForControllerElection() : start round %d, vote for %d", vote.Round, vote.CandidateId)

		c.broadcast(b, vote)

		for {
			c.refreshCandidates(b)

			if b.verifier.HasQuorum(len(b.received)) {
				if winner, ok := Tally(b.received, Quorum(len(b.candidates))); ok {
					return c.conclude(winner)
				}
			}

			// Every candidate has voted and nobody won.  Move on.
			if len(b.received) == len(b.candidates) {
				c.advance(b)
				break
			}

			frame, ok := c.receive(b)
			if !ok {
				if !c.state.IsRunning() {
					return UNDECIDED, -1, c.cancelled()
				}
				c.redeliver(b)
				continue
			}
			c.handleFrame(b, frame)

			// A frame proves a link came up; hand it the vote it missed
			// before this round can end.
			if len(b.undelivered) > 0 {
				c.redeliver(b)
			}
		}
	}

	return UNDECIDED, -1, c.cancelled()
}

//
// Return the role and controller id decided by the last election.
//
func (c *ControllerCandidate) Result() (NodeRole, int32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.role, c.controllerId
}

//
// Return the round of the vote currently held by this node.  Zero before
// the election starts.
//
func (c *ControllerCandidate) Round() int32 {
	vote := c.currentVote()
	if vote == nil {
		return 0
	}
	return vote.Round
}

//
// Count the votes per candidate.  Return the candidate that has at least
// quorum votes.  With quorum > len(votes)/2 there is at most one.
//
func Tally(votes map[int32]*message.Vote, quorum int) (int32, bool) {

	counts := make(map[int32]int)
	for _, vote := range votes {
		counts[vote.CandidateId]++
	}

	ids := make([]int32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if counts[id] >= quorum {
			return id, true
		}
	}
	return -1, false
}

//
// The candidate for the next round: the largest voter id among the votes.
//
func NextCandidate(votes map[int32]*message.Vote) int32 {
	var next int32 = -1
	for voterId := range votes {
		if voterId > next {
			next = voterId
		}
	}
	return next
}

/////////////////////////////////////////////////////////////////////////////
// Private Function
/////////////////////////////////////////////////////////////////////////////

func (c *ControllerCandidate) newBallot() *ballot {

	ids := c.peers.Candidates()

	b := &ballot{candidates: make(map[int32]bool),
		others:      make([]int32, 0, len(ids)),
		verifier:    MajorityVerifier{Size: len(ids)},
		received:    make(voteSet),
		pending:     make(map[int32]voteSet),
		undelivered: make(map[int32]bool)}

	for _, id := range ids {
		b.candidates[id] = true
		if id != c.selfId {
			b.others = append(b.others, id)
		}
	}
	return b
}

//
// Masters count as candidates until their handshake arrives.  Drop the
// ones that turned out not to be, so the round does not wait for a vote
// that never comes.
//
func (c *ControllerCandidate) refreshCandidates(b *ballot) {

	changed := false
	for id := range b.candidates {
		if id == c.selfId || c.peers.IsCandidate(id) {
			continue
		}

		delete(b.candidates, id)
		delete(b.undelivered, id)
		delete(b.received, id)
		for _, set := range b.pending {
			delete(set, id)
		}
		changed = true
		log.Current.Infof("ControllerCandidate.refreshCandidates() : node %d is not a controller candidate", id)
	}

	if !changed {
		return
	}

	others := make([]int32, 0, len(b.others))
	for _, id := range b.others {
		if b.candidates[id] {
			others = append(others, id)
		}
	}
	b.others = others
	b.verifier = MajorityVerifier{Size: len(b.candidates)}

	// Votes for a dropped node no longer count.
	for voterId, vote := range b.received {
		if voterId != c.selfId && !b.candidates[vote.CandidateId] {
			delete(b.received, voterId)
		}
	}
}

func (c *ControllerCandidate) broadcast(b *ballot, vote *message.Vote) {

	payload, err := vote.Encode()
	if err != nil {
		log.Current.Errorf("ControllerCandidate.broadcast() : fail to encode vote %v.  Error = %v", vote, err)
		return
	}

	b.undelivered = make(map[int32]bool)
	for _, peerId := range b.others {
		if !c.messenger.Send(peerId, payload) {
			log.Current.Warnf("ControllerCandidate.broadcast() : fail to send vote to node %d", peerId)
			b.undelivered[peerId] = true
		}
	}
}

//
// Wait for the next peer frame.  While some candidate has not been handed
// the current vote, give up after the resend interval so the caller can
// try again.
//
func (c *ControllerCandidate) receive(b *ballot) (*common.Frame, bool) {
	if len(b.undelivered) == 0 {
		return c.messenger.Receive(common.PEER_CHANNEL)
	}
	return c.messenger.ReceiveTimeout(common.PEER_CHANNEL, c.resend)
}

func (c *ControllerCandidate) redeliver(b *ballot) {

	vote := c.currentVote()
	payload, err := vote.Encode()
	if err != nil {
		return
	}

	for peerId := range b.undelivered {
		if c.messenger.Send(peerId, payload) {
			log.Current.Infof("ControllerCandidate.redeliver() : vote of round %d delivered to node %d", vote.Round, peerId)
			delete(b.undelivered, peerId)
		}
	}
}

//
// Decode a peer frame and file the vote under its round.
//
func (c *ControllerCandidate) handleFrame(b *ballot, frame *common.Frame) {

	vote, err := message.DecodeVote(frame.Payload)
	if err != nil {
		discardedVotes.WithLabelValues("malformed").Inc()
		log.Current.Errorf("ControllerCandidate.handleFrame() : drop frame from node %d.  Error = %v", frame.PeerId, err)
		return
	}

	if vote.VoterId != frame.PeerId {
		discardedVotes.WithLabelValues("voter_mismatch").Inc()
		log.Current.Warnf("ControllerCandidate.handleFrame() : node %d sent a vote of voter %d", frame.PeerId, vote.VoterId)
		return
	}

	if !b.candidates[vote.VoterId] || !b.candidates[vote.CandidateId] {
		discardedVotes.WithLabelValues("not_candidate").Inc()
		log.Current.Debugf("ControllerCandidate.handleFrame() : drop vote %v, not a candidate", vote)
		return
	}

	round := c.currentVote().Round
	switch {
	case vote.Round < round:
		discardedVotes.WithLabelValues("stale_round").Inc()
		log.Current.Debugf("ControllerCandidate.handleFrame() : drop vote %v of round %d, current round %d", vote, vote.Round, round)

	case vote.Round > round:
		set, ok := b.pending[vote.Round]
		if !ok {
			set = make(voteSet)
			b.pending[vote.Round] = set
		}
		set[vote.VoterId] = vote

	default:
		b.received[vote.VoterId] = vote
	}
}

//
// Vote for the largest voter id in the next round.  Votes that arrived
// early for that round are counted right away.
//
func (c *ControllerCandidate) advance(b *ballot) {

	old := c.currentVote()
	next := message.NewVote(c.selfId, NextCandidate(b.received), old.Round+1)
	c.setVote(next)

	log.Current.Infof("ControllerCandidate.advance() : no controller in round %d, vote for %d in round %d",
		old.Round, next.CandidateId, next.Round)

	b.received = make(voteSet)
	for round := range b.pending {
		if round < next.Round {
			delete(b.pending, round)
		}
	}
	if set, ok := b.pending[next.Round]; ok {
		b.received = set
		delete(b.pending, next.Round)
	}
	b.received[c.selfId] = next
}

func (c *ControllerCandidate) conclude(winner int32) (NodeRole, int32, error) {

	role := CANDIDATE
	if winner == c.selfId {
		role = CONTROLLER
	}

	c.mutex.Lock()
	c.role = role
	c.controllerId = winner
	round := c.vote.Round
	c.mutex.Unlock()

	SetRoleMetric(role)
	log.Current.Infof("ControllerCandidate.conclude() : node %d is the controller (round %d).  Self role %v", winner, round, role)
	return role, winner, nil
}

func (c *ControllerCandidate) cancelled() error {
	log.Current.Infof("ControllerCandidate.VoteForControllerElection() : election stopped, status %v", c.state.Status())
	return common.WrapError(common.ELECTION_ERROR, "election cancelled", c.state.Err())
}

func (c *ControllerCandidate) setVote(vote *message.Vote) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.vote = vote
}

func (c *ControllerCandidate) currentVote() *message.Vote {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.vote
}
