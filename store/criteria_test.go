package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnonID(t *testing.T) {
	n, err := parseAnonID("CLN_42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	// The prefix itself may contain underscores.
	n, err = parseAnonID("my_site_7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestParseAnonIDRejects(t *testing.T) {
	for _, raw := range []string{"", "CLN", "CLN_", "CLN_abc", "_"} {
		if _, err := parseAnonID(raw); err == nil {
			t.Errorf("parseAnonID(%q) accepted", raw)
		}
	}
}
