package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMessagingLifecycle(t *testing.T) {
	m := NewLocalMessaging()
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "重复 Start 无副作用")
	assert.NoError(t, m.Health(ctx))
	assert.Equal(t, "local", m.Backend())

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
