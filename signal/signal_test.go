package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)

	// A second interceptor in the same process is refused.
	_, err = Intercept()
	require.Error(t, err)

	require.True(t, interceptor.Alive())
	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown channel not closed")
	}
	require.False(t, interceptor.Alive())

	// Requesting again after shutdown must not block.
	interceptor.RequestShutdown()
}
