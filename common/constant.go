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
	"time"
)

/////////////////////////////////////////////////////////////////////////////
// Constants
/////////////////////////////////////////////////////////////////////////////

var PROTOCOL_VERSION int64 = -65536                       // handshake sentinel, see HandshakeFrame
var HANDSHAKE_SIZE = 16                                    // int64 version + int32 node id + int32 candidate flag
var FRAME_HEADER_SIZE = 4                                  // int32 big-endian payload length
var MAX_FRAME_SIZE = 16 * 1024 * 1024                      // largest payload accepted by a reader
var MAX_PEERS = 150                                        // maximum number of configured masters
var MAX_PENDING_FRAMES = 1024                              // capacity of every inbound/outbound frame queue
var MESSAGE_TRANSPORT_TYPE = "tcp"                         // network protocol for peer links
var DEFAULT_CONNECT_RETRIES = 3                            // immediate re-dials after the first failed attempt
var DEFAULT_CONNECT_TIMEOUT time.Duration = 5000           // dial timeout (millisecond)
var DEFAULT_HANDSHAKE_TIMEOUT time.Duration = 5000         // deadline for reading a handshake (millisecond)
var DEFAULT_RETRY_INTERVAL time.Duration = 5 * 60 * 1000   // deferred re-dial interval (millisecond)
var DEFAULT_QUORUM_POLL_INTERVAL time.Duration = 2000      // waitForQuorumConnected poll (millisecond)
var DEFAULT_VOTE_RESEND_INTERVAL time.Duration = 1000      // re-send a vote that found no link (millisecond)
var METRICS_NAMESPACE = "govern"                           // prometheus namespace
