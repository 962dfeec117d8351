package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("from", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseTimeFlag("from", "2026-10-19T08:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)))

	_, err = parseTimeFlag("to", "yesterday")
	assert.ErrorContains(t, err, "--to")
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "once", "show", "export", "verify", "report", "keys", "simulate", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
