package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/message"
	"github.com/ss-govern/govern/protocol"
)

func freePort(t *testing.T) int {
	li, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer li.Close()
	return li.Addr().(*net.TCPAddr).Port
}

// Build one config per node id, all on loopback.
func loopbackConfigs(t *testing.T, ids ...int32) map[int32]*Config {
	addrs := make(map[int32]string)
	entries := make([]string, 0, len(ids))
	for _, id := range ids {
		addrs[id] = fmt.Sprintf("127.0.0.1:%d:%d:%d", freePort(t), freePort(t), freePort(t))
		entries = append(entries, fmt.Sprintf("%d:%s", id, addrs[id]))
	}

	configs := make(map[int32]*Config)
	for _, id := range ids {
		config := DefaultConfig()
		config.NodeId = id
		config.NodeAddr = addrs[id]
		config.MasterNodeServers = strings.Join(entries, ";")
		config.ConnectTimeout = 1000
		config.RetryInterval = 100
		config.PollInterval = 20
		config.LinkFailurePolicy = protocol.ISOLATE.String()
		configs[id] = config
	}
	return configs
}

func TestServerElectsLargestId(t *testing.T) {
	configs := loopbackConfigs(t, 1, 2, 3)

	servers := make(map[int32]*Server)
	errs := make(chan error, len(configs))
	for id, config := range configs {
		env, err := NewEnv(config)
		require.NoError(t, err)

		servers[id] = NewServer(env, common.NewRunState(context.Background()))
		go func(s *Server) { errs <- s.Run() }(servers[id])
	}

	require.Eventually(t, func() bool {
		for _, s := range servers {
			if role, _ := s.Role(); role == protocol.UNDECIDED {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	for id, s := range servers {
		role, controllerId := s.Role()
		assert.Equal(t, int32(3), controllerId, "node %d", id)
		if id == 3 {
			assert.Equal(t, protocol.CONTROLLER, role)
		} else {
			assert.Equal(t, protocol.CANDIDATE, role)
		}

		status := s.Status()
		assert.Equal(t, id, status.NodeId)
		assert.Equal(t, "RUNNING", status.Status)
		assert.NotEmpty(t, status.RunId)
		assert.GreaterOrEqual(t, status.Round, int32(1))
	}

	for _, s := range servers {
		s.Terminate()
	}
	for range servers {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
}

func counterValue(t *testing.T, name string) float64 {
	families, err := common.Registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestServerDrainsPeerFramesAfterElection(t *testing.T) {
	configs := loopbackConfigs(t, 1, 2)

	servers := make(map[int32]*Server)
	for id, config := range configs {
		env, err := NewEnv(config)
		require.NoError(t, err)

		servers[id] = NewServer(env, common.NewRunState(context.Background()))
		go servers[id].Run()
		defer servers[id].Terminate()
	}

	require.Eventually(t, func() bool {
		for _, s := range servers {
			if role, _ := s.Role(); role == protocol.UNDECIDED {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	before := counterValue(t, "govern_server_late_peer_frames_total")

	// More frames than the inbound queue holds.
	count := common.MAX_PENDING_FRAMES + 50
	payload, err := message.NewVote(2, 2, 1).Encode()
	require.NoError(t, err)

	sent := make(chan bool, 1)
	go func() {
		network := servers[2].network
		for i := 0; i < count; i++ {
			if !network.Send(1, payload) {
				sent <- false
				return
			}
		}
		sent <- true
	}()

	select {
	case ok := <-sent:
		require.True(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("sending to node 1 blocked")
	}

	require.Eventually(t, func() bool {
		return counterValue(t, "govern_server_late_peer_frames_total")-before >= float64(count)
	}, 10*time.Second, 20*time.Millisecond)
	assert.True(t, servers[1].IsRunning())
}

func TestServerStandsByWhenNotCandidate(t *testing.T) {
	config := loopbackConfigs(t, 1, 2)[2]
	config.IsControllerCandidate = false

	env, err := NewEnv(config)
	require.NoError(t, err)

	s := NewServer(env, common.NewRunState(context.Background()))
	defer s.Terminate()

	require.NoError(t, s.runElection())
	role, controllerId := s.Role()
	assert.Equal(t, protocol.STANDBY, role)
	assert.Equal(t, int32(-1), controllerId)
}

func TestServerFailsOnBusyPort(t *testing.T) {
	config := loopbackConfigs(t, 1)[1]
	env, err := NewEnv(config)
	require.NoError(t, err)

	li, err := net.Listen("tcp", env.Self().MasterAddr())
	require.NoError(t, err)
	defer li.Close()

	state := common.NewRunState(context.Background())
	err = NewServer(env, state).Run()
	require.Error(t, err)
	assert.Equal(t, common.FATAL, state.Status())
}

func TestRunServerStopsWithContext(t *testing.T) {
	config := loopbackConfigs(t, 1)[1]
	config.AdminAddr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	env, err := NewEnv(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunServer(ctx, env) }()

	// A single master is its own quorum and controller.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", config.AdminAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
