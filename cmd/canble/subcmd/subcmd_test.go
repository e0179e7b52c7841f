package subcmd

import (
	"context"
	"testing"

	"github.com/evmotion/canble/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *state.Config) error { return nil }
	mods := []Mod{{Name: "run", Main: noop}, {Name: "cli", Main: noop}}

	m, err := Parse("cli", mods)
	require.NoError(t, err)
	assert.Equal(t, "cli", m.Name)

	_, err = Parse("", mods)
	assert.EqualError(t, err, "empty command")
	_, err = Parse("fly", mods)
	assert.EqualError(t, err, "unknown command='fly' valid: cli,run")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{Main: noop}}) })
}
