package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["migrate"])
	assert.True(t, names["run"])
	assert.True(t, names["worker"])
}

func TestRunRejectsMalformedAsOf(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"run", "--as-of", "02/01/2024"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--as-of")
}
