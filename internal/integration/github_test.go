package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewGitHubNilWhenUnconfigured(t *testing.T) {
	require.Nil(t, NewGitHub(""))
}

func TestCheckAccessNilReceiver(t *testing.T) {
	var g *GitHub
	err := g.CheckAccess(context.Background())
	require.Error(t, err)
}
