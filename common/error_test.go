package common

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Server Error : boom", NewError(SERVER_ERROR, "boom").Error())
	assert.Equal(t, "Connect Error : dial : EOF", WrapError(CONNECT_ERROR, "dial", io.EOF).Error())
	assert.True(t, NewError(FATAL_ERROR, "x").IsFatal())
}

func TestErrorCause(t *testing.T) {
	err := errors.Wrap(WrapError(HANDSHAKE_ERROR, "read", io.ErrUnexpectedEOF), "accept")

	assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, HasErrorCode(err, HANDSHAKE_ERROR))
	assert.False(t, HasErrorCode(err, CONNECT_ERROR))
}

func TestHasErrorCodeNested(t *testing.T) {
	err := WrapError(CONNECT_ERROR, "dial", WrapError(HANDSHAKE_ERROR, "read", io.EOF))
	assert.True(t, HasErrorCode(err, CONNECT_ERROR))
	assert.True(t, HasErrorCode(err, HANDSHAKE_ERROR))
	assert.False(t, HasErrorCode(io.EOF, CONNECT_ERROR))
	assert.False(t, HasErrorCode(nil, CONNECT_ERROR))
}
