package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/service"
)

func startEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e := New(Config{DBDir: dir})
	require.NoError(t, e.Start(context.Background()))
	return e
}

func TestEngineLifecycle(t *testing.T) {
	dir := t.TempDir()
	e := startEngine(t, dir)

	svc, adminAccess, err := e.AddService(context.Background(), service.Service{
		Name: "tags", Type: hydrus.ServiceTagRepo, Port: 45871,
	})
	require.NoError(t, err)
	require.NotEmpty(t, adminAccess)

	// The one-time admin access key authenticates and carries full rights.
	admin, err := e.Authenticate(context.Background(), svc, adminAccess, nil)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())

	e.Shutdown()
	select {
	case <-e.Done():
	default:
		t.Fatal("Done must be closed after Shutdown")
	}
	// Shutdown is idempotent.
	e.Shutdown()

	// A restart over the same directory finds the service again.
	e2 := startEngine(t, dir)
	defer e2.Shutdown()
	found, err := e2.Registry().GetByID(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, svc.Name, found.Name)
	assert.Equal(t, svc.Port, found.Port)
	assert.Len(t, e2.RepositoryIDs(), 1)
}

func TestEngineSessionRoundTrip(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer e.Shutdown()
	ctx := context.Background()

	svc, adminAccess, err := e.AddService(ctx, service.Service{
		Name: "files", Type: hydrus.ServiceFileRepo, Port: 45872,
	})
	require.NoError(t, err)

	sessionKey, expires, err := e.BeginSession(ctx, svc, adminAccess)
	require.NoError(t, err)
	assert.Greater(t, expires, hydrus.NowUnix())

	acct, err := e.Authenticate(ctx, svc, nil, sessionKey)
	require.NoError(t, err)
	assert.True(t, acct.IsAdmin())

	_, err = e.Authenticate(ctx, svc, nil, hydrus.NewKey())
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))
}

func TestEngineLockPausesWrites(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer e.Shutdown()
	ctx := context.Background()

	require.NoError(t, e.LockOn())
	_, _, err := e.AddService(ctx, service.Service{
		Name: "tags", Type: hydrus.ServiceTagRepo, Port: 45873,
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Busy))

	require.NoError(t, e.LockOff())
	_, _, err = e.AddService(ctx, service.Service{
		Name: "tags", Type: hydrus.ServiceTagRepo, Port: 45873,
	})
	assert.NoError(t, err)
}
