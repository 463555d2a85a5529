package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRegistry(t *testing.T) {
	r := newHandlerRegistry(nil)

	_, ok := r.Lookup("missing")
	assert.False(t, ok)

	require.NoError(t, r.Register("b", echoHandler()))
	require.NoError(t, r.Register("a", echoHandler()))
	require.NoError(t, r.Register("a", echoHandler()), "re-registering replaces")
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, ok = r.Lookup("a")
	assert.True(t, ok)

	withDefault := newHandlerRegistry(echoHandler())
	h, ok := withDefault.Lookup("anything")
	assert.True(t, ok)
	assert.NotNil(t, h)
}
