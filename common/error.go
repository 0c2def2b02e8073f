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
	"github.com/pkg/errors"
)

type ErrorCode byte

const (
	PROTOCOL_ERROR ErrorCode = iota
	SERVER_ERROR
	SERVER_CONFIG_ERROR
	FATAL_ERROR
	ARG_ERROR
	ELECTION_ERROR
	CONNECT_ERROR
	HANDSHAKE_ERROR
	UNKNOWN_PEER_ERROR
)

type Error struct {
	code   ErrorCode
	reason string
	cause  error
}

func NewError(code ErrorCode, reason string) *Error {
	return &Error{code: code, reason: reason, cause: nil}
}

func WrapError(code ErrorCode, reason string, cause error) *Error {
	return &Error{code: code, reason: reason, cause: cause}
}

func (e *Error) Code() ErrorCode {
	return e.code
}

func (e *Error) IsFatal() bool {
	return e.code == FATAL_ERROR
}

func (e *Error) Error() string {
	if e.cause == nil {
		return codeToStr(e.code) + " : " + e.reason
	}
	return codeToStr(e.code) + " : " + e.reason + " : " + e.cause.Error()
}

// Cause makes the error understood by errors.Cause.
func (e *Error) Cause() error {
	return e.cause
}

func (e *Error) Unwrap() error {
	return e.cause
}

//
// Tell if err, or anything it wraps, is an *Error with the given code.
//
func HasErrorCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.code == code {
				return true
			}
			err = e.cause
			continue
		}
		return false
	}
	return false
}

func codeToStr(code ErrorCode) string {
	switch code {
	case PROTOCOL_ERROR:
		return "Protocol Error"
	case SERVER_ERROR:
		return "Server Error"
	case SERVER_CONFIG_ERROR:
		return "Server Config Error"
	case FATAL_ERROR:
		return "Fatal Error"
	case ARG_ERROR:
		return "Argument Error"
	case ELECTION_ERROR:
		return "Election Error"
	case CONNECT_ERROR:
		return "Connect Error"
	case HANDSHAKE_ERROR:
		return "Handshake Error"
	case UNKNOWN_PEER_ERROR:
		return "Unknown Peer Error"
	}

	return "Undefined Error"
}
