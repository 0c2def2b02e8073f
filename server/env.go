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
	"bytes"
	json "encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/log"
	"github.com/ss-govern/govern/protocol"
)

/////////////////////////////////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////////////////////////////////

//
// Config is the on-disk configuration of a master node.  Durations are in
// milliseconds.
//
type Config struct {
	NodeId                int32  `json:"nodeId"`
	NodeAddr              string `json:"nodeAddr"`          // ip:masterPort:slavePort:clientPort
	MasterNodeServers     string `json:"masterNodeServers"` // id:ip:masterPort:slavePort:clientPort;...
	IsControllerCandidate bool   `json:"isControllerCandidate"`
	AdminAddr             string `json:"adminAddr"`
	LogLevel              string `json:"logLevel"`

	ConnectTimeout    int    `json:"connectTimeout"`
	ConnectRetries    int    `json:"connectRetries"`
	RetryInterval     int    `json:"retryInterval"`
	PollInterval      int    `json:"pollInterval"`
	LinkFailurePolicy string `json:"linkFailurePolicy"`
}

//
// Env is the validated form of a Config.
//
type Env struct {
	config *Config
	self   common.NodeAddress
	peers  *common.PeerTable
	policy protocol.LinkFailurePolicy
}

//
// ConfigFlags holds the command line overrides of a Config.
//
type ConfigFlags struct {
	fs *flag.FlagSet

	nodeId      int
	nodeAddr    string
	masterNodes string
	candidate   bool
	adminAddr   string
	logLevel    string
	policy      string
}

/////////////////////////////////////////////////////////////////////////////
// Config
/////////////////////////////////////////////////////////////////////////////

func DefaultConfig() *Config {
	return &Config{NodeId: -1,
		IsControllerCandidate: true,
		LogLevel:              "info",
		ConnectTimeout:        int(common.DEFAULT_CONNECT_TIMEOUT),
		ConnectRetries:        common.DEFAULT_CONNECT_RETRIES,
		RetryInterval:         int(common.DEFAULT_RETRY_INTERVAL),
		PollInterval:          int(common.DEFAULT_QUORUM_POLL_INTERVAL),
		LinkFailurePolicy:     protocol.FAIL_FAST.String()}
}

//
// Load a JSON config file on top of the defaults.  An empty path returns
// the defaults.
//
func LoadConfig(path string) (*Config, error) {

	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, common.WrapError(common.SERVER_CONFIG_ERROR, "Fail to open config file "+path, err)
	}
	defer file.Close()

	buffer := new(bytes.Buffer)
	if _, err := buffer.ReadFrom(file); err != nil {
		return nil, common.WrapError(common.SERVER_CONFIG_ERROR, "Fail to read config file "+path, err)
	}

	if err := json.Unmarshal(buffer.Bytes(), config); err != nil {
		return nil, common.WrapError(common.SERVER_CONFIG_ERROR, "Fail to parse config file "+path, err)
	}

	log.Current.Debugf("LoadConfig(): loaded %s", path)
	return config, nil
}

/////////////////////////////////////////////////////////////////////////////
// Env
/////////////////////////////////////////////////////////////////////////////

func NewEnv(config *Config) (*Env, error) {

	if config.NodeId < 0 {
		return nil, common.NewError(common.ARG_ERROR, "Missing nodeId")
	}

	peers, err := common.ParseNodeAddresses(config.MasterNodeServers)
	if err != nil {
		return nil, err
	}
	if len(peers) > common.MAX_PEERS {
		return nil, common.NewError(common.SERVER_CONFIG_ERROR, "Too many master nodes configured")
	}

	table, err := common.NewPeerTable(peers)
	if err != nil {
		return nil, err
	}

	self, err := common.ParseSelfAddress(config.NodeId, config.NodeAddr)
	if err != nil {
		return nil, err
	}

	configured, ok := table.Lookup(self.NodeId)
	if !ok {
		return nil, common.NewError(common.SERVER_CONFIG_ERROR, "nodeId is not part of masterNodeServers")
	}
	if configured != self {
		return nil, common.NewError(common.SERVER_CONFIG_ERROR,
			fmt.Sprintf("nodeAddr %s does not match masterNodeServers entry %s", self.String(), configured.String()))
	}

	policy, err := protocol.ParseLinkFailurePolicy(config.LinkFailurePolicy)
	if err != nil {
		return nil, err
	}

	log.Current.Debugf("Env.NewEnv(): node %d at %s, %d masters", self.NodeId, self.String(), table.Size())
	return &Env{config: config, self: self, peers: table, policy: policy}, nil
}

func (e *Env) Config() *Config {
	return e.config
}

func (e *Env) Self() common.NodeAddress {
	return e.self
}

func (e *Env) Peers() *common.PeerTable {
	return e.peers
}

func (e *Env) AdminAddr() string {
	return e.config.AdminAddr
}

//
// Build the config of the connection manager.  Every call returns a new
// NetworkConfig sharing the same peer table.
//
func (e *Env) NetworkConfig() *protocol.NetworkConfig {
	return &protocol.NetworkConfig{Self: e.self,
		Peers:                 e.peers,
		IsControllerCandidate: e.config.IsControllerCandidate,
		ConnectTimeout:        time.Duration(e.config.ConnectTimeout) * time.Millisecond,
		HandshakeTimeout:      common.DEFAULT_HANDSHAKE_TIMEOUT * time.Millisecond,
		ConnectRetries:        e.config.ConnectRetries,
		RetryInterval:         time.Duration(e.config.RetryInterval) * time.Millisecond,
		PollInterval:          time.Duration(e.config.PollInterval) * time.Millisecond,
		LinkFailurePolicy:     e.policy}
}

/////////////////////////////////////////////////////////////////////////////
// ConfigFlags
/////////////////////////////////////////////////////////////////////////////

//
// Register the override flags on fs.  Only flags given on the command
// line are applied to a Config.
//
func BindConfigFlags(fs *flag.FlagSet) *ConfigFlags {
	f := &ConfigFlags{fs: fs}

	fs.IntVar(&f.nodeId, "node-id", -1, "id of this node")
	fs.StringVar(&f.nodeAddr, "node-addr", "", "ip:masterPort:slavePort:clientPort of this node")
	fs.StringVar(&f.masterNodes, "master-nodes", "", "id:ip:masterPort:slavePort:clientPort;... of every master")
	fs.BoolVar(&f.candidate, "candidate", true, "take part in the controller election")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "host:port of the admin http server")
	fs.StringVar(&f.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	fs.StringVar(&f.policy, "link-failure-policy", "", "FAIL_FAST or ISOLATE")

	return f
}

func (f *ConfigFlags) Apply(config *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "node-id":
			config.NodeId = int32(f.nodeId)
		case "node-addr":
			config.NodeAddr = f.nodeAddr
		case "master-nodes":
			config.MasterNodeServers = f.masterNodes
		case "candidate":
			config.IsControllerCandidate = f.candidate
		case "admin-addr":
			config.AdminAddr = f.adminAddr
		case "log-level":
			config.LogLevel = f.logLevel
		case "link-failure-policy":
			config.LinkFailurePolicy = f.policy
		}
	})
}
