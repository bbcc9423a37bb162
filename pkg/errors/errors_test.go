package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		msg  string
	}{
		{"plain", New(CodeTargetFetch, "no target"), CodeTargetFetch, "TARGET_FETCH_FAILED: no target"},
		{"wrapped", Wrap(CodeUpstreamConnect, "dial pool", io.EOF), CodeUpstreamConnect, "UPSTREAM_CONNECT_FAILED: dial pool (caused by: EOF)"},
		{"nested", fmt.Errorf("session: %w", Wrap(CodeDownstreamHandshake, "miner", io.EOF)), CodeDownstreamHandshake, "session: DOWNSTREAM_HANDSHAKE_FAILED: miner (caused by: EOF)"},
		{"foreign", io.EOF, "", "EOF"},
		{"nil", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeOf(tt.err))
			if tt.code != "" {
				assert.True(t, HasCode(tt.err, tt.code))
			}
			if tt.err != nil {
				assert.Equal(t, tt.msg, tt.err.Error())
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := Wrap(CodeConfigInvalid, "bad", io.ErrUnexpectedEOF)
	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))
	assert.Nil(t, New(CodeConfigInvalid, "bad").Unwrap())
}
