package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	l := New()
	assert.False(t, l.IsDebug())

	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.IsDebug())

	require.NoError(t, l.SetLevel("warn"))
	assert.False(t, l.IsDebug())

	assert.Error(t, l.SetLevel("chatty"))
}

func TestWithFields(t *testing.T) {
	l := New()
	e := l.WithField("peer", "10.0.0.1:1").WithFields(Fields{"target": "pool"})
	assert.Equal(t, "10.0.0.1:1", e.Data["peer"])
	assert.Equal(t, "pool", e.Data["target"])
}
