package instance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDPrefersEnv(t *testing.T) {
	t.Setenv(envInstanceID, "worker-7")
	require.Equal(t, "worker-7", ID())
	require.Equal(t, "jobcore-worker-7", ConnectionName("jobcore"))
	require.Equal(t, "worker-7", ConnectionName(""))
}

func TestIDFallsBackToHostname(t *testing.T) {
	t.Setenv(envInstanceID, "")
	require.NotEmpty(t, ID())
}
