package retikulo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/transport"
)

func TestNewGeneratesIdentityWhenNoPathGiven(t *testing.T) {
	ri, err := New(Config{Transport: transport.Config{Profile: transport.ProfileServer}})
	require.NoError(t, err)
	require.NotNil(t, ri.Identity())
	require.True(t, ri.Identity().HasPrivateKey())
}

func TestNewPersistsAndReloadsIdentity(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "identity")

	first, err := New(Config{IdentityPath: idPath})
	require.NoError(t, err)

	second, err := New(Config{IdentityPath: idPath})
	require.NoError(t, err)

	require.Equal(t, first.Identity().Hash(), second.Identity().Hash())
}

func TestNewDestinationWiresInstanceTransportAndMetrics(t *testing.T) {
	ri, err := New(Config{Transport: transport.Config{Profile: transport.ProfileServer}})
	require.NoError(t, err)

	id := ri.Identity()
	d, err := ri.NewDestination(id, transport.DirectionIn, wire.DestSingle, "example", "chat")
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestShutdownIsIdempotent(t *testing.T) {
	ri, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, ri.Shutdown())
	require.NoError(t, ri.Shutdown())
}

func TestRunAfterShutdownReturnsErrShutdown(t *testing.T) {
	ri, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, ri.Shutdown())
	require.ErrorIs(t, ri.Run(nil), ErrShutdown)
}
