package protocol

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/message"
)

/////////////////////////////////////////////////////////////////////////////
// Fakes
/////////////////////////////////////////////////////////////////////////////

type sentVote struct {
	peerId int32
	vote   *message.Vote
}

// fakeMessenger replays queued frames and records everything sent.
type fakeMessenger struct {
	state   *common.RunState
	inbound chan *common.Frame

	mutex sync.Mutex
	sent  []sentVote
	down  map[int32]bool
}

func newFakeMessenger(state *common.RunState) *fakeMessenger {
	return &fakeMessenger{state: state, inbound: make(chan *common.Frame, 64), down: make(map[int32]bool)}
}

func (f *fakeMessenger) Send(peerId int32, payload []byte) bool {
	vote, err := message.DecodeVote(payload)
	if err != nil {
		return false
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.down[peerId] {
		return false
	}
	f.sent = append(f.sent, sentVote{peerId: peerId, vote: vote})
	return true
}

func (f *fakeMessenger) setDown(peerId int32, down bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.down[peerId] = down
}

func (f *fakeMessenger) Receive(kind common.ChannelKind) (*common.Frame, bool) {
	select {
	case frame := <-f.inbound:
		return frame, true
	case <-f.state.Done():
		return nil, false
	}
}

func (f *fakeMessenger) ReceiveTimeout(kind common.ChannelKind, timeout time.Duration) (*common.Frame, bool) {
	select {
	case frame := <-f.inbound:
		return frame, true
	case <-time.After(timeout):
		return nil, false
	case <-f.state.Done():
		return nil, false
	}
}

func (f *fakeMessenger) push(peerId int32, payload []byte) {
	f.inbound <- &common.Frame{PeerId: peerId, Payload: payload}
}

func (f *fakeMessenger) pushVote(peerId int32, vote *message.Vote) {
	payload, _ := vote.Encode()
	f.push(peerId, payload)
}

func (f *fakeMessenger) sentVotes() []sentVote {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	result := make([]sentVote, len(f.sent))
	copy(result, f.sent)
	return result
}

// memoryRouter delivers votes between candidates of an in-process cluster.
type memoryRouter struct {
	state  *common.RunState
	queues map[int32]chan *common.Frame
}

type routedMessenger struct {
	router *memoryRouter
	selfId int32
}

func newMemoryRouter(state *common.RunState, ids []int32) *memoryRouter {
	r := &memoryRouter{state: state, queues: make(map[int32]chan *common.Frame)}
	for _, id := range ids {
		r.queues[id] = make(chan *common.Frame, common.MAX_PENDING_FRAMES)
	}
	return r
}

func (r *memoryRouter) messenger(selfId int32) Messenger {
	return &routedMessenger{router: r, selfId: selfId}
}

func (m *routedMessenger) Send(peerId int32, payload []byte) bool {
	queue, ok := m.router.queues[peerId]
	if !ok {
		return false
	}
	select {
	case queue <- &common.Frame{PeerId: m.selfId, Payload: payload}:
		return true
	case <-m.router.state.Done():
		return false
	}
}

func (m *routedMessenger) Receive(kind common.ChannelKind) (*common.Frame, bool) {
	select {
	case frame := <-m.router.queues[m.selfId]:
		return frame, true
	case <-m.router.state.Done():
		return nil, false
	}
}

func (m *routedMessenger) ReceiveTimeout(kind common.ChannelKind, timeout time.Duration) (*common.Frame, bool) {
	select {
	case frame := <-m.router.queues[m.selfId]:
		return frame, true
	case <-time.After(timeout):
		return nil, false
	case <-m.router.state.Done():
		return nil, false
	}
}

func newTestPeerTable(t *testing.T, ids ...int32) *common.PeerTable {
	nodes := make([]common.NodeAddress, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, common.NodeAddress{NodeId: id, Ip: "127.0.0.1",
			MasterPort: 9000 + int(id), SlavePort: 9100 + int(id), ClientPort: 9200 + int(id)})
	}
	table, err := common.NewPeerTable(nodes)
	require.NoError(t, err)
	return table
}

type electionResult struct {
	selfId       int32
	role         NodeRole
	controllerId int32
	round        int32
	err          error
}

/////////////////////////////////////////////////////////////////////////////
// Pure helpers
/////////////////////////////////////////////////////////////////////////////

func TestQuorum(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 6: 4, 7: 4} {
		assert.Equal(t, want, Quorum(n), "n=%d", n)
	}

	v := MajorityVerifier{Size: 5}
	assert.False(t, v.HasQuorum(2))
	assert.True(t, v.HasQuorum(3))
}

func TestTallyNeverElectsTwo(t *testing.T) {
	for n := 1; n <= 7; n++ {
		quorum := Quorum(n)

		votes := make(map[int32]*message.Vote, n)
		for voter := 0; voter < n; voter++ {
			votes[int32(voter)] = message.NewVote(int32(voter), 0, 1)
		}

		// Walk every assignment of a candidate to each voter.
		choice := make([]int, n)
		for {
			counts := make([]int, n)
			for voter, candidate := range choice {
				votes[int32(voter)].CandidateId = int32(candidate)
				counts[candidate]++
			}

			winners := 0
			expected := int32(-1)
			for candidate, count := range counts {
				if count >= quorum {
					winners++
					expected = int32(candidate)
				}
			}
			require.LessOrEqual(t, winners, 1, "n=%d choice=%v", n, choice)

			winner, ok := Tally(votes, quorum)
			require.Equal(t, winners == 1, ok, "n=%d choice=%v", n, choice)
			if ok {
				require.Equal(t, expected, winner)
			}

			i := 0
			for ; i < n; i++ {
				choice[i]++
				if choice[i] < n {
					break
				}
				choice[i] = 0
			}
			if i == n {
				break
			}
		}
	}
}

func TestTallyOnPartialSet(t *testing.T) {
	votes := map[int32]*message.Vote{
		1: message.NewVote(1, 3, 2),
		2: message.NewVote(2, 3, 2),
	}
	winner, ok := Tally(votes, 2)
	require.True(t, ok)
	assert.Equal(t, int32(3), winner)

	_, ok = Tally(votes, 3)
	assert.False(t, ok)
}

func TestNextCandidate(t *testing.T) {
	votes := map[int32]*message.Vote{
		4: message.NewVote(4, 4, 1),
		9: message.NewVote(9, 9, 1),
		2: message.NewVote(2, 2, 1),
	}
	assert.Equal(t, int32(9), NextCandidate(votes))
}

/////////////////////////////////////////////////////////////////////////////
// ControllerCandidate
/////////////////////////////////////////////////////////////////////////////

func TestElectionSingleNode(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	messenger := newFakeMessenger(state)
	c := NewControllerCandidate(1, newTestPeerTable(t, 1), messenger, state)

	role, controllerId, err := c.VoteForControllerElection()
	require.NoError(t, err)
	assert.Equal(t, CONTROLLER, role)
	assert.Equal(t, int32(1), controllerId)
	assert.Empty(t, messenger.sentVotes())
}

func TestElectionConvergesToLargestId(t *testing.T) {
	for n := 2; n <= 7; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			state := common.NewRunState(context.Background())
			defer state.Stop()

			ids := make([]int32, 0, n)
			for i := 1; i <= n; i++ {
				ids = append(ids, int32(i))
			}
			router := newMemoryRouter(state, ids)

			results := make(chan electionResult, n)
			for _, id := range ids {
				c := NewControllerCandidate(id, newTestPeerTable(t, ids...), router.messenger(id), state)
				go func(id int32) {
					role, controllerId, err := c.VoteForControllerElection()
					results <- electionResult{selfId: id, role: role, controllerId: controllerId, round: c.Round(), err: err}
				}(id)
			}

			for i := 0; i < n; i++ {
				select {
				case r := <-results:
					require.NoError(t, r.err)
					assert.Equal(t, int32(n), r.controllerId, "node %d", r.selfId)
					if r.selfId == int32(n) {
						assert.Equal(t, CONTROLLER, r.role)
					} else {
						assert.Equal(t, CANDIDATE, r.role)
					}
					assert.LessOrEqual(t, r.round, int32(n))
				case <-time.After(5 * time.Second):
					t.Fatal("election did not converge")
				}
			}
		})
	}
}

func TestElectionAdvancesRound(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	messenger := newFakeMessenger(state)
	c := NewControllerCandidate(1, newTestPeerTable(t, 1, 2, 3), messenger, state)

	// Round 2 votes arrive before the round 1 votes are complete.
	messenger.pushVote(2, message.NewVote(2, 3, 2))
	messenger.pushVote(3, message.NewVote(3, 3, 2))
	messenger.pushVote(2, message.NewVote(2, 2, 1))
	messenger.pushVote(3, message.NewVote(3, 3, 1))

	role, controllerId, err := c.VoteForControllerElection()
	require.NoError(t, err)
	assert.Equal(t, CANDIDATE, role)
	assert.Equal(t, int32(3), controllerId)
	assert.Equal(t, int32(2), c.Round())

	sent := messenger.sentVotes()
	require.Len(t, sent, 4)
	assert.Equal(t, []int32{2, 3, 2, 3}, []int32{sent[0].peerId, sent[1].peerId, sent[2].peerId, sent[3].peerId})
	assert.Equal(t, message.NewVote(1, 1, 1), sent[0].vote)
	assert.Equal(t, message.NewVote(1, 3, 2), sent[2].vote)

	gotRole, gotController := c.Result()
	assert.Equal(t, CANDIDATE, gotRole)
	assert.Equal(t, int32(3), gotController)
}

func TestElectionWinsWithinRound(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	messenger := newFakeMessenger(state)
	c := NewControllerCandidate(1, newTestPeerTable(t, 1, 2, 3), messenger, state)

	messenger.pushVote(2, message.NewVote(2, 2, 1))
	messenger.pushVote(3, message.NewVote(3, 2, 1))

	role, controllerId, err := c.VoteForControllerElection()
	require.NoError(t, err)
	assert.Equal(t, CANDIDATE, role)
	assert.Equal(t, int32(2), controllerId)
	assert.Equal(t, int32(1), c.Round())
}

func TestElectionDiscardsInvalidVotes(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	table := newTestPeerTable(t, 1, 2, 3, 4)
	table.SetCandidate(4, false)

	messenger := newFakeMessenger(state)
	c := NewControllerCandidate(3, table, messenger, state)

	messenger.push(2, []byte{0x01, 0x02})                // malformed
	messenger.pushVote(2, message.NewVote(1, 1, 1))      // voter is not the sender
	messenger.pushVote(4, message.NewVote(4, 4, 1))      // voter is not a candidate
	messenger.pushVote(2, message.NewVote(2, 4, 1))      // vote for a non-candidate
	messenger.pushVote(1, message.NewVote(1, 3, 0))      // stale round
	messenger.pushVote(1, message.NewVote(1, 1, 1))
	messenger.pushVote(2, message.NewVote(2, 2, 1))
	messenger.pushVote(1, message.NewVote(1, 3, 2))

	role, controllerId, err := c.VoteForControllerElection()
	require.NoError(t, err)
	assert.Equal(t, CONTROLLER, role)
	assert.Equal(t, int32(3), controllerId)

	for _, s := range messenger.sentVotes() {
		assert.NotEqual(t, int32(4), s.peerId, "votes are only sent to candidates")
	}
}

func TestElectionResendsUndeliveredVote(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	messenger := newFakeMessenger(state)
	messenger.setDown(3, true)

	c := NewControllerCandidate(1, newTestPeerTable(t, 1, 2, 3), messenger, state)
	c.SetResendInterval(10 * time.Millisecond)

	results := make(chan electionResult, 1)
	go func() {
		role, controllerId, err := c.VoteForControllerElection()
		results <- electionResult{role: role, controllerId: controllerId, err: err}
	}()

	time.Sleep(50 * time.Millisecond)
	messenger.setDown(3, false)

	require.Eventually(t, func() bool {
		for _, s := range messenger.sentVotes() {
			if s.peerId == 3 && s.vote.Round == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	messenger.pushVote(2, message.NewVote(2, 2, 1))
	messenger.pushVote(3, message.NewVote(3, 3, 1))
	messenger.pushVote(2, message.NewVote(2, 3, 2))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, CANDIDATE, r.role)
		assert.Equal(t, int32(3), r.controllerId)
	case <-time.After(2 * time.Second):
		t.Fatal("election did not finish")
	}
}

func TestElectionDeliversMissedVoteBeforeAdvancing(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	messenger := newFakeMessenger(state)
	messenger.setDown(3, true)

	c := NewControllerCandidate(1, newTestPeerTable(t, 1, 2, 3), messenger, state)
	c.SetResendInterval(time.Hour)

	results := make(chan electionResult, 1)
	go func() {
		role, controllerId, err := c.VoteForControllerElection()
		results <- electionResult{role: role, controllerId: controllerId, err: err}
	}()

	require.Eventually(t, func() bool { return len(messenger.sentVotes()) > 0 }, 2*time.Second, 5*time.Millisecond)

	// Node 3 comes up and votes long before the resend timer fires.
	messenger.setDown(3, false)
	messenger.pushVote(2, message.NewVote(2, 2, 1))
	messenger.pushVote(3, message.NewVote(3, 3, 1))

	require.Eventually(t, func() bool {
		for _, s := range messenger.sentVotes() {
			if s.peerId == 3 && s.vote.Round == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	firstRound, secondRound := -1, -1
	for i, s := range messenger.sentVotes() {
		if s.peerId != 3 {
			continue
		}
		if s.vote.Round == 1 && firstRound < 0 {
			firstRound = i
		}
		if s.vote.Round == 2 && secondRound < 0 {
			secondRound = i
		}
	}
	require.GreaterOrEqual(t, firstRound, 0, "round 1 vote never reached node 3")
	require.Greater(t, secondRound, firstRound)

	messenger.pushVote(2, message.NewVote(2, 3, 2))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, CANDIDATE, r.role)
		assert.Equal(t, int32(3), r.controllerId)
	case <-time.After(2 * time.Second):
		t.Fatal("election did not finish")
	}
}

func TestElectionDropsLateNonCandidate(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	table := newTestPeerTable(t, 1, 2, 3)
	messenger := newFakeMessenger(state)
	messenger.setDown(3, true)

	c := NewControllerCandidate(1, table, messenger, state)
	c.SetResendInterval(10 * time.Millisecond)

	results := make(chan electionResult, 1)
	go func() {
		role, controllerId, err := c.VoteForControllerElection()
		results <- electionResult{role: role, controllerId: controllerId, err: err}
	}()

	require.Eventually(t, func() bool { return len(messenger.sentVotes()) > 0 }, 2*time.Second, 5*time.Millisecond)

	// Node 3 announces it is not a candidate after the election started.
	table.SetCandidate(3, false)
	messenger.pushVote(2, message.NewVote(2, 2, 1))

	require.Eventually(t, func() bool { return c.Round() == 2 }, 2*time.Second, 5*time.Millisecond)
	messenger.pushVote(2, message.NewVote(2, 2, 2))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, CANDIDATE, r.role)
		assert.Equal(t, int32(2), r.controllerId)
	case <-time.After(2 * time.Second):
		t.Fatal("election stalled on a non-candidate")
	}
}

func TestElectionStopsWithRunState(t *testing.T) {
	state := common.NewRunState(context.Background())

	messenger := newFakeMessenger(state)
	c := NewControllerCandidate(1, newTestPeerTable(t, 1, 2, 3), messenger, state)

	time.AfterFunc(50*time.Millisecond, func() { state.Stop() })

	role, controllerId, err := c.VoteForControllerElection()
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.ELECTION_ERROR))
	assert.Equal(t, UNDECIDED, role)
	assert.Equal(t, int32(-1), controllerId)
}

func TestElectionRequiresCandidacy(t *testing.T) {
	state := common.NewRunState(context.Background())
	defer state.Stop()

	table := newTestPeerTable(t, 1, 2)
	table.SetCandidate(1, false)

	c := NewControllerCandidate(1, table, newFakeMessenger(state), state)
	_, _, err := c.VoteForControllerElection()
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.ELECTION_ERROR))
}
