package identity_test

import (
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/io7lab/io7sync/pkg/identity"
)

func openStore(t *testing.T) *identity.Store {
	store, err := identity.OpenStore(path.Join(t.TempDir(), "db", identity.DatabaseName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDeviceCRUD(t *testing.T) {
	store := openStore(t)
	gw := &identity.Device{DevID: "gw1", Type: identity.TypeGateway, CreatedBy: "admin",
		CreatedDate: time.Now().UTC(), DevDesc: "gateway"}
	require.NoError(t, store.SaveDevice(gw))
	require.NoError(t, store.SaveDevice(&identity.Device{DevID: "edge1", Type: identity.TypeEdge, CreatedBy: "gw1"}))
	require.NoError(t, store.SaveDevice(&identity.Device{DevID: "edge2", Type: identity.TypeEdge, CreatedBy: "gw1"}))

	rx, err := store.Device("gw1")
	require.NoError(t, err)
	assert.Equal(t, "gateway", rx.DevDesc)
	assert.Equal(t, identity.TypeGateway, rx.Type)

	// upsert replaces
	gw.DevDesc = "updated"
	require.NoError(t, store.SaveDevice(gw))
	rx, _ = store.Device("gw1")
	assert.Equal(t, "updated", rx.DevDesc)

	children, err := store.DevicesOwnedBy("gw1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	all, err := store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "edge1", all[0].DevID)

	require.NoError(t, store.DeleteDevice("edge1"))
	assert.Equal(t, identity.ErrNotFound, store.DeleteDevice("edge1"))
	_, err = store.Device("edge1")
	assert.Equal(t, identity.ErrNotFound, err)
}

func TestAppCRUD(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.SaveApp(&identity.App{AppID: "app1", Restricted: true}))

	app, err := store.App("app1")
	require.NoError(t, err)
	assert.True(t, app.Restricted)

	apps, err := store.ListApps()
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	require.NoError(t, store.DeleteApp("app1"))
	_, err = store.App("app1")
	assert.Equal(t, identity.ErrNotFound, err)
}

func TestCollectionQueries(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Devices.Upsert("d1", map[string]string{"devId": "d1", "createdBy": "gw"}))
	require.NoError(t, store.Devices.Upsert("d2", map[string]string{"devId": "d2", "createdBy": "gw"}))

	docs, err := store.Devices.FindAll("createdBy", "gw")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	ids, err := store.Devices.Delete("createdBy", "gw")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)

	_, err = store.Devices.FindAll("bad field'", "x")
	assert.Error(t, err)
}

func TestDeleteDevicesAllOrNone(t *testing.T) {
	store := openStore(t)
	for _, id := range []string{"gw1", "edge1", "edge2"} {
		require.NoError(t, store.SaveDevice(&identity.Device{DevID: id, Type: identity.TypeEdge, CreatedBy: "gw1"}))
	}
	_, err := store.DB().Exec(`CREATE TRIGGER keep_edge2 BEFORE DELETE ON devices
		WHEN old.id = 'edge2' BEGIN SELECT RAISE(ABORT, 'edge2 is locked'); END;`)
	require.NoError(t, err)

	assert.Error(t, store.DeleteDevices("gw1", "edge1", "edge2"))
	devices, err := store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	require.NoError(t, store.DeleteDevices("gw1", "edge1"))
	devices, _ = store.ListDevices()
	assert.Len(t, devices, 1)
	assert.ErrorIs(t, store.DeleteDevices("gw1"), identity.ErrNotFound)
}

func TestConfigVars(t *testing.T) {
	store := openStore(t)
	_, err := store.ConfigVar("monitored_devices")
	assert.ErrorIs(t, err, identity.ErrNotFound)

	require.NoError(t, store.SetConfigVar("monitored_devices", "*"))
	require.NoError(t, store.UpdateConfigVars([]identity.ConfigVar{
		{Key: "monitored_devices", Value: "dev1"},
		{Key: "monitored_fieldsets", Value: "lux"},
	}))
	configVar, err := store.ConfigVar("monitored_devices")
	require.NoError(t, err)
	assert.Equal(t, "dev1", configVar.Value)

	// replace drops the variables that are not listed
	require.NoError(t, store.ReplaceConfigVars([]identity.ConfigVar{{Key: "retention", Value: "7d"}}))
	vars, err := store.ListConfigVars()
	require.NoError(t, err)
	assert.Equal(t, []identity.ConfigVar{{Key: "retention", Value: "7d"}}, vars)

	assert.ErrorIs(t, store.UpdateConfigVars([]identity.ConfigVar{{Key: " ", Value: "x"}}), identity.ErrEmptyKey)
	require.NoError(t, store.DeleteConfigVar("retention"))
	assert.ErrorIs(t, store.DeleteConfigVar("retention"), identity.ErrNotFound)
}
