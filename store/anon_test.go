package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonNameFor(t *testing.T) {
	pool := []string{"Ada", "Grace", "Edsger"}

	name := AnonNameFor(pool, 0)
	require.NotNil(t, name)
	assert.Equal(t, "Ada 0", *name)

	name = AnonNameFor(pool, 4)
	require.NotNil(t, name)
	assert.Equal(t, "Grace 4", *name)

	// Same auto id always yields the same name.
	again := AnonNameFor(pool, 4)
	require.NotNil(t, again)
	assert.Equal(t, *name, *again)
}

func TestAnonNameForEmptyPool(t *testing.T) {
	assert.Nil(t, AnonNameFor(nil, 7))
}
