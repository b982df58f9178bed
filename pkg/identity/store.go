// Package identity with the identity store of devices and applications
package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DatabaseName is the file name of the identity store in the data folder
const DatabaseName = "io7.db"

// Device types
const (
	TypeDevice  = "device"
	TypeGateway = "gateway"
	TypeEdge    = "edge"
)

// ErrNotFound is returned when the requested identity doesn't exist
var ErrNotFound = errors.New("identity not found")

// Device is the stored metadata of a device, gateway or edge device
type Device struct {
	DevID       string    `json:"devId"`
	Type        string    `json:"type"`
	CreatedBy   string    `json:"createdBy"` // owner. The gateway for edge devices
	CreatedDate time.Time `json:"createdDate"`
	DevDesc     string    `json:"devDesc,omitempty"`
	DevMaker    string    `json:"devMaker,omitempty"`
	DevSerial   string    `json:"devSerial,omitempty"`
	DevModel    string    `json:"devModel,omitempty"`
	DevHwVer    string    `json:"devHwVer,omitempty"`
	DevFwVer    string    `json:"devFwVer,omitempty"`
}

// App is the stored metadata of an application
type App struct {
	AppID       string    `json:"appId"`
	Restricted  bool      `json:"restricted"`
	CreatedBy   string    `json:"createdBy"`
	CreatedDate time.Time `json:"createdDate"`
	AppDesc     string    `json:"appDesc,omitempty"`
}

// Store holds the device, app and configuration variable collections
type Store struct {
	db         *sql.DB
	Devices    *Collection
	Apps       *Collection
	ConfigVars *Collection
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS apps (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS config_vars (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
`

// DB returns the underlying database, for collaborators that keep their own tables
func (store *Store) DB() *sql.DB {
	return store.db
}

// Close the database
func (store *Store) Close() error {
	return store.db.Close()
}

// Device returns the device with the given ID or ErrNotFound
func (store *Store) Device(devID string) (*Device, error) {
	device := &Device{}
	found, err := store.Devices.FindOne("devId", devID, device)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return device, nil
}

// ListDevices returns all devices
func (store *Store) ListDevices() ([]Device, error) {
	docs, err := store.Devices.All()
	if err != nil {
		return nil, err
	}
	return decodeDevices(docs)
}

// DevicesOwnedBy returns the devices created by the given owner, eg the edge devices of a gateway
func (store *Store) DevicesOwnedBy(ownerID string) ([]Device, error) {
	docs, err := store.Devices.FindAll("createdBy", ownerID)
	if err != nil {
		return nil, err
	}
	return decodeDevices(docs)
}

// SaveDevice inserts or replaces a device
func (store *Store) SaveDevice(device *Device) error {
	return store.Devices.Upsert(device.DevID, device)
}

// DeleteDevice removes a device. Returns ErrNotFound if it didn't exist.
func (store *Store) DeleteDevice(devID string) error {
	ids, err := store.Devices.Delete("devId", devID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevices removes a device together with the given related devices.
// Either all records are removed or none. Returns ErrNotFound if devID didn't exist.
func (store *Store) DeleteDevices(devID string, related ...string) error {
	if _, err := store.Device(devID); err != nil {
		return err
	}
	_, err := store.Devices.DeleteIDs(append([]string{devID}, related...))
	return err
}

// App returns the app with the given ID or ErrNotFound
func (store *Store) App(appID string) (*App, error) {
	app := &App{}
	found, err := store.Apps.FindOne("appId", appID, app)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return app, nil
}

// ListApps returns all apps
func (store *Store) ListApps() ([]App, error) {
	docs, err := store.Apps.All()
	if err != nil {
		return nil, err
	}
	apps := make([]App, 0, len(docs))
	for _, doc := range docs {
		app := App{}
		if err = json.Unmarshal(doc, &app); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// SaveApp inserts or replaces an app
func (store *Store) SaveApp(app *App) error {
	return store.Apps.Upsert(app.AppID, app)
}

// DeleteApp removes an app. Returns ErrNotFound if it didn't exist.
func (store *Store) DeleteApp(appID string) error {
	ids, err := store.Apps.Delete("appId", appID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeDevices(docs [][]byte) ([]Device, error) {
	devices := make([]Device, 0, len(docs))
	for _, doc := range docs {
		device := Device{}
		if err := json.Unmarshal(doc, &device); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// OpenStore opens or creates the identity store database file
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(path.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity schema: %w", err)
	}
	logrus.Infof("OpenStore: identity store at '%s'", dbPath)
	return &Store{
		db:      db,
		Devices:    &Collection{db: db, table: "devices"},
		Apps:       &Collection{db: db, table: "apps"},
		ConfigVars: &Collection{db: db, table: "config_vars"},
	}, nil
}
