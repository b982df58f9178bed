package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/io7lab/io7sync/internal/testenv"
	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/lifecycle"
	"github.com/io7lab/io7sync/pkg/topics"
)

type fixture struct {
	store  *identity.Store
	sender *testenv.RecordingSender
	snap   *dynsec.StaticSnapshotter
	mgr    *lifecycle.Manager
}

func setup(t *testing.T) *fixture {
	store, err := identity.OpenStore(path.Join(t.TempDir(), identity.DatabaseName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	dispatcher, sender := testenv.NewDispatcher()
	snap := &dynsec.StaticSnapshotter{Snap: &dynsec.Snapshot{}}
	return &fixture{
		store:  store,
		sender: sender,
		snap:   snap,
		mgr:    lifecycle.NewManager(store, dispatcher, snap, "iot3"),
	}
}

func newDevice(id string, devType string, owner string) lifecycle.NewDevice {
	return lifecycle.NewDevice{
		Device:   identity.Device{DevID: id, Type: devType, CreatedBy: owner},
		Password: "pw-" + id,
	}
}

func commandNames(commands []map[string]interface{}) []string {
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		target := cmd["rolename"]
		if cmd["command"] == "deleteClient" || cmd["command"] == "createClient" {
			target = cmd["username"]
		}
		names = append(names, fmt.Sprintf("%s:%v", cmd["command"], target))
	}
	return names
}

func TestCreateDevice(t *testing.T) {
	fx := setup(t)
	device, err := fx.mgr.CreateDevice(context.Background(), newDevice("dev1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, identity.TypeDevice, device.Type)
	assert.Equal(t, "admin", device.CreatedBy)
	assert.False(t, device.CreatedDate.IsZero())

	msgs := fx.sender.Messages()
	require.Len(t, msgs, 1, "one envelope per operation")
	commands := fx.sender.Commands()
	assert.Equal(t, []string{"createRole:dev1", "createClient:dev1"}, commandNames(commands))
	assert.Len(t, commands[0]["acls"], 8)
	assert.Equal(t, "pw-dev1", commands[1]["password"])

	_, err = fx.store.Device("dev1")
	assert.NoError(t, err)
}

func TestCreateGatewayAndEdge(t *testing.T) {
	fx := setup(t)
	_, err := fx.mgr.CreateDevice(context.Background(), newDevice("gw1", identity.TypeGateway, ""))
	require.NoError(t, err)
	commands := fx.sender.Commands()
	assert.Len(t, commands[0]["acls"], 11)

	fx.sender.Reset()
	err = fx.mgr.RegisterEdge(context.Background(), "gw1", "edge1")
	require.NoError(t, err)
	commands = fx.sender.Commands()
	require.Len(t, commands, 2)
	assert.Equal(t, "createRole", commands[0]["command"])
	assert.Equal(t, "addClientRole", commands[1]["command"])
	assert.Equal(t, "gw1", commands[1]["username"])
	assert.Equal(t, "edge1", commands[1]["rolename"])
}

func TestEdgeInvalidHierarchy(t *testing.T) {
	fx := setup(t)
	_, err := fx.mgr.CreateDevice(context.Background(), newDevice("dev1", identity.TypeDevice, ""))
	require.NoError(t, err)
	fx.sender.Reset()

	var hierErr *lifecycle.InvalidHierarchyError
	_, err = fx.mgr.CreateDevice(context.Background(), newDevice("edge1", identity.TypeEdge, "nogw"))
	assert.True(t, errors.As(err, &hierErr))
	// owner exists but is not a gateway
	_, err = fx.mgr.CreateDevice(context.Background(), newDevice("edge1", identity.TypeEdge, "dev1"))
	assert.True(t, errors.As(err, &hierErr))
	assert.Empty(t, fx.sender.Messages())
}

func TestReservedNames(t *testing.T) {
	fx := setup(t)
	for _, id := range []string{"admin", "$apps", "$web"} {
		var resErr *lifecycle.ReservedNameError
		_, err := fx.mgr.CreateDevice(context.Background(), newDevice(id, identity.TypeDevice, ""))
		assert.True(t, errors.As(err, &resErr), id)
		_, err = fx.mgr.CreateApp(context.Background(), lifecycle.NewApp{App: identity.App{AppID: id}})
		assert.True(t, errors.As(err, &resErr), id)
	}
	_, err := fx.mgr.CreateDevice(context.Background(), newDevice("", identity.TypeDevice, ""))
	assert.ErrorIs(t, err, lifecycle.ErrEmptyID)
	assert.Empty(t, fx.sender.Messages())
}

func TestTopicMetaCharsRejected(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateDevice(ctx, newDevice("gw1", identity.TypeGateway, ""))
	require.NoError(t, err)
	fx.sender.Reset()

	for _, id := range []string{"+", "#", "a/b", "dev+", "x\x00y"} {
		_, err = fx.mgr.CreateDevice(ctx, newDevice(id, identity.TypeDevice, ""))
		assert.ErrorIs(t, err, topics.ErrInvalidID, id)
		_, err = fx.mgr.CreateApp(ctx, lifecycle.NewApp{App: identity.App{AppID: id, Restricted: true}})
		assert.ErrorIs(t, err, topics.ErrInvalidID, id)
		err = fx.mgr.RegisterEdge(ctx, "gw1", id)
		assert.ErrorIs(t, err, topics.ErrInvalidID, id)
	}
	assert.Empty(t, fx.sender.Messages())
	devices, err := fx.store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRoleNameConflict(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateDevice(ctx, newDevice("a:b", identity.TypeDevice, ""))
	require.NoError(t, err)
	_, err = fx.mgr.CreateDevice(ctx, newDevice("gw1", identity.TypeGateway, ""))
	require.NoError(t, err)
	fx.sender.Reset()

	var conflictErr *lifecycle.RoleConflictError
	_, err = fx.mgr.CreateDevice(ctx, newDevice("a-b", identity.TypeDevice, ""))
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, "a-b", conflictErr.RoleName)
	assert.Equal(t, "a:b", conflictErr.OwnerID)

	err = fx.mgr.RegisterEdge(ctx, "gw1", "gw1-")
	require.NoError(t, err)
	err = fx.mgr.RegisterEdge(ctx, "gw1", "gw1:")
	assert.True(t, errors.As(err, &conflictErr))
	assert.Len(t, fx.sender.Messages(), 1, "only the first edge is created")

	// deleting the first owner frees the role name
	fx.sender.Reset()
	require.NoError(t, fx.mgr.DeleteDevice(ctx, "a:b"))
	assert.Equal(t, []string{"deleteClient:a:b", "deleteRole:a-b"}, commandNames(fx.sender.Commands()))
	_, err = fx.mgr.CreateDevice(ctx, newDevice("a-b", identity.TypeDevice, ""))
	assert.NoError(t, err)
}

func TestInvalidType(t *testing.T) {
	fx := setup(t)
	_, err := fx.mgr.CreateDevice(context.Background(), newDevice("dev1", "sensor", ""))
	assert.ErrorIs(t, err, lifecycle.ErrInvalidType)
	assert.Empty(t, fx.sender.Messages())
}

func TestDuplicateAcrossNamespaces(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateApp(ctx, lifecycle.NewApp{App: identity.App{AppID: "shared"}})
	require.NoError(t, err)
	fx.sender.Reset()

	var dupErr *lifecycle.DuplicateIdentityError
	_, err = fx.mgr.CreateDevice(ctx, newDevice("shared", identity.TypeDevice, ""))
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, "app", dupErr.Namespace)

	_, err = fx.mgr.CreateDevice(ctx, newDevice("dev1", identity.TypeDevice, ""))
	require.NoError(t, err)
	fx.sender.Reset()
	_, err = fx.mgr.CreateApp(ctx, lifecycle.NewApp{App: identity.App{AppID: "dev1"}})
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, "device", dupErr.Namespace)
	assert.Empty(t, fx.sender.Messages())
}

func TestTransportDownNotPersisted(t *testing.T) {
	fx := setup(t)
	fx.sender.Fail = &dynsec.TransportUnavailableError{}
	_, err := fx.mgr.CreateDevice(context.Background(), newDevice("dev1", identity.TypeDevice, ""))
	var tuErr *dynsec.TransportUnavailableError
	assert.True(t, errors.As(err, &tuErr))
	_, err = fx.store.Device("dev1")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestDeleteGatewayCascade(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateDevice(ctx, newDevice("gw1", identity.TypeGateway, ""))
	require.NoError(t, err)
	const n = 3
	for i := 0; i < n; i++ {
		require.NoError(t, fx.mgr.RegisterEdge(ctx, "gw1", fmt.Sprintf("edge%d", i)))
	}
	fx.sender.Reset()

	require.NoError(t, fx.mgr.DeleteDevice(ctx, "gw1"))
	require.Len(t, fx.sender.Messages(), 1)
	assert.Equal(t, []string{
		"deleteRole:edge0", "deleteRole:edge1", "deleteRole:edge2",
		"deleteRole:gw1", "deleteClient:gw1",
	}, commandNames(fx.sender.Commands()))

	devices, err := fx.store.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDeleteGatewayStoreFailure(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateDevice(ctx, newDevice("gw1", identity.TypeGateway, ""))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.mgr.RegisterEdge(ctx, "gw1", fmt.Sprintf("edge%d", i)))
	}
	fx.sender.Reset()

	// the delete of the second edge device fails halfway through the cascade
	_, err = fx.store.DB().Exec(`CREATE TRIGGER keep_edge1 BEFORE DELETE ON devices
		WHEN old.id = 'edge1' BEGIN SELECT RAISE(ABORT, 'edge1 is locked'); END;`)
	require.NoError(t, err)

	err = fx.mgr.DeleteDevice(ctx, "gw1")
	require.Error(t, err)
	assert.Empty(t, fx.sender.Messages())
	devices, err := fx.store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 4, "no record is removed")
}

func TestDeleteDeviceAndEdge(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, _ = fx.mgr.CreateDevice(ctx, newDevice("gw1", identity.TypeGateway, ""))
	_ = fx.mgr.RegisterEdge(ctx, "gw1", "edge1")
	_, _ = fx.mgr.CreateDevice(ctx, newDevice("dev1", identity.TypeDevice, ""))
	fx.sender.Reset()

	require.NoError(t, fx.mgr.DeleteDevice(ctx, "edge1"))
	assert.Equal(t, []string{"deleteRole:edge1"}, commandNames(fx.sender.Commands()))

	fx.sender.Reset()
	require.NoError(t, fx.mgr.DeleteDevice(ctx, "dev1"))
	assert.Equal(t, []string{"deleteClient:dev1", "deleteRole:dev1"}, commandNames(fx.sender.Commands()))

	assert.ErrorIs(t, fx.mgr.DeleteDevice(ctx, "dev1"), identity.ErrNotFound)
}

func TestCreateDeleteApps(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateApp(ctx, lifecycle.NewApp{App: identity.App{AppID: "open"}, Password: "p"})
	require.NoError(t, err)
	commands := fx.sender.Commands()
	require.Len(t, commands, 1)
	roles := commands[0]["roles"].([]interface{})
	assert.Equal(t, "$apps", roles[0].(map[string]interface{})["rolename"])

	fx.sender.Reset()
	_, err = fx.mgr.CreateApp(ctx, lifecycle.NewApp{App: identity.App{AppID: "closed", Restricted: true}, Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"createRole:$apps_closed", "createClient:closed"}, commandNames(fx.sender.Commands()))

	fx.sender.Reset()
	require.NoError(t, fx.mgr.DeleteApp(ctx, "closed"))
	assert.Equal(t, []string{"deleteRole:$apps_closed", "deleteClient:closed"}, commandNames(fx.sender.Commands()))

	fx.sender.Reset()
	require.NoError(t, fx.mgr.DeleteApp(ctx, "open"))
	assert.Equal(t, []string{"deleteClient:open"}, commandNames(fx.sender.Commands()))
}

func TestReprovision(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	_, err := fx.mgr.CreateDevice(ctx, newDevice("dev1", identity.TypeDevice, ""))
	require.NoError(t, err)
	fx.sender.Reset()

	// dev1 is missing from the backend
	require.NoError(t, fx.mgr.Reprovision(ctx, "dev1", "newpw"))
	assert.Equal(t, []string{"createRole:dev1", "createClient:dev1"}, commandNames(fx.sender.Commands()))

	// dev1 is present in the backend
	fx.sender.Reset()
	fx.snap.Snap = &dynsec.Snapshot{Clients: []dynsec.Client{{Username: "dev1",
		Roles: []dynsec.ClientRole{{RoleName: "dev1"}}}}}
	var staleErr *lifecycle.StaleStateError
	err = fx.mgr.Reprovision(ctx, "dev1", "newpw")
	assert.True(t, errors.As(err, &staleErr))
	assert.Empty(t, fx.sender.Messages())

	assert.ErrorIs(t, fx.mgr.Reprovision(ctx, "nobody", "pw"), identity.ErrNotFound)
}

func TestWebAccess(t *testing.T) {
	fx := setup(t)
	user, pass, err := fx.mgr.WebAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "$web", user)
	assert.NotEmpty(t, pass)
	commands := fx.sender.Commands()
	require.Len(t, commands, 1)
	assert.Equal(t, "setClientPassword", commands[0]["command"])
	assert.Equal(t, pass, commands[0]["password"])
}
