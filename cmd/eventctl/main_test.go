package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
)

func TestParseArgs(t *testing.T) {
	req, err := parseArgs([]string{"show", "-type", repository.AggregateType, "-id", "r1"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, request{cmd: "show", aggregateType: repository.AggregateType, id: "r1"}, req)

	req, err = parseArgs([]string{"rebuild"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, user.AggregateType, req.aggregateType)
}

func TestParseArgs_RejectsBadFlags(t *testing.T) {
	_, err := parseArgs([]string{"purge", "-ID", "r1"}, io.Discard)
	assert.Error(t, err, "a mistyped flag must not fall through to an empty id")

	_, err = parseArgs([]string{"purge", "-id"}, io.Discard)
	assert.Error(t, err)

	_, err = parseArgs([]string{"purge", "-id", "r1", "extra"}, io.Discard)
	assert.Error(t, err)

	_, err = parseArgs([]string{"show", "-h"}, io.Discard)
	assert.ErrorIs(t, err, flag.ErrHelp)
}
