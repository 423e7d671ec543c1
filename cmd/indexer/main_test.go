package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequiresCommand(t *testing.T) {
	err := run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing command")
}

func TestRunHelp(t *testing.T) {
	assert.NoError(t, run([]string{"help"}))
	assert.NoError(t, run([]string{"--help"}))
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "frobnicate"`)
}

func TestCleanWithoutCacheSucceeds(t *testing.T) {
	t.Setenv("CACHE_DIR", t.TempDir())
	assert.NoError(t, run([]string{"clean"}))
}

func TestFlagHelpIsNotAnError(t *testing.T) {
	t.Setenv("CACHE_DIR", t.TempDir())
	assert.NoError(t, run([]string{"phase1", "-h"}))
}
