// Package lifecycle with the creation and deletion of devices, gateways, edge devices and apps
//
// Each operation validates its input against the identity store first and then emits a single
// command batch to the authorization backend. The two stores are updated independently; a
// failure between the two is left for the consistency auditor to report.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/topics"
)

// ReservedPrefix marks broker internal names such as $apps and $web
const ReservedPrefix = "$"

// AdminID is the name of the broker administrator
const AdminID = "admin"

// NewDevice is a device registration request
type NewDevice struct {
	identity.Device
	Password string `json:"password"`
}

// NewApp is an application registration request
type NewApp struct {
	identity.App
	Password string `json:"password"`
}

// Manager orchestrates identity creation and deletion across both stores
type Manager struct {
	store       *identity.Store
	dispatcher  *dynsec.Dispatcher
	snapshotter dynsec.Snapshotter
	ns          string
}

// ValidateID checks that the ID isn't empty or reserved and is usable as a topic level
func ValidateID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if strings.HasPrefix(id, ReservedPrefix) || id == AdminID {
		return &ReservedNameError{ID: id}
	}
	return topics.CheckID(id)
}

// checkUnique fails if the id is in use by a device or an app
func (mgr *Manager) checkUnique(id string) error {
	_, err := mgr.store.Device(id)
	if err == nil {
		return &DuplicateIdentityError{ID: id, Namespace: "device"}
	} else if !errors.Is(err, identity.ErrNotFound) {
		return err
	}
	_, err = mgr.store.App(id)
	if err == nil {
		return &DuplicateIdentityError{ID: id, Namespace: "app"}
	} else if !errors.Is(err, identity.ErrNotFound) {
		return err
	}
	return nil
}

// checkRoleFree fails if another device already uses the role name of devID
func (mgr *Manager) checkRoleFree(devID string) error {
	roleName := topics.RoleName(devID)
	devices, err := mgr.store.ListDevices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		if topics.RoleName(device.DevID) == roleName {
			return &RoleConflictError{ID: devID, RoleName: roleName, OwnerID: device.DevID}
		}
	}
	return nil
}

// deviceRole returns the createRole command with the ACLs of a device or gateway
func (mgr *Manager) deviceRole(devID string, devType string) dynsec.CreateRole {
	dt := topics.For(mgr.ns, devID)
	acls := []dynsec.ACL{
		dynsec.NewACL(dynsec.ACLSubscribe, dt.Cmd),
		dynsec.NewACL(dynsec.ACLSubscribe, dt.Update),
		dynsec.NewACL(dynsec.ACLSubscribe, dt.Reboot),
		dynsec.NewACL(dynsec.ACLSubscribe, dt.Reset),
		dynsec.NewACL(dynsec.ACLSubscribe, dt.Upgrade),
		dynsec.NewACL(dynsec.ACLPublish, dt.Status),
		dynsec.NewACL(dynsec.ACLPublish, dt.Meta),
		dynsec.NewACL(dynsec.ACLPublish, dt.Evt),
	}
	if devType == identity.TypeGateway {
		acls = append(acls,
			dynsec.NewACL(dynsec.ACLPublish, dt.GatewayQuery),
			dynsec.NewACL(dynsec.ACLPublish, dt.GatewayAdd),
			dynsec.NewACL(dynsec.ACLSubscribe, dt.GatewayList))
	}
	return dynsec.CreateRole{RoleName: topics.RoleName(devID), ACLs: acls}
}

// deviceClient returns the createClient command of a device or gateway
func deviceClient(devID string, password string) dynsec.CreateClient {
	return dynsec.CreateClient{
		Username: devID,
		Password: password,
		Roles:    []dynsec.ClientRole{{RoleName: topics.RoleName(devID), Priority: dynsec.DefaultPriority}},
	}
}

// appClient returns the createClient command of an app bound to its role
func appClient(app *identity.App, password string) dynsec.CreateClient {
	roleName := dynsec.RoleApps
	if app.Restricted {
		roleName = dynsec.AppRoleName(app.AppID)
	}
	return dynsec.CreateClient{
		Username: app.AppID,
		Password: password,
		Roles:    []dynsec.ClientRole{{RoleName: roleName, Priority: dynsec.DefaultPriority}},
	}
}

// CreateDevice registers a device, gateway or edge device.
// Edge devices have no client of their own. Their role is added to the client of their gateway.
// The device is stored after the command batch is accepted by the transport.
func (mgr *Manager) CreateDevice(ctx context.Context, newDevice NewDevice) (*identity.Device, error) {
	device := newDevice.Device
	if err := ValidateID(device.DevID); err != nil {
		return nil, err
	}
	if device.Type == "" {
		device.Type = identity.TypeDevice
	}
	switch device.Type {
	case identity.TypeDevice, identity.TypeGateway, identity.TypeEdge:
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidType, device.Type)
	}
	if err := mgr.checkUnique(device.DevID); err != nil {
		return nil, err
	}
	if err := mgr.checkRoleFree(device.DevID); err != nil {
		return nil, err
	}
	if device.Type == identity.TypeEdge {
		gw, err := mgr.store.Device(device.CreatedBy)
		if errors.Is(err, identity.ErrNotFound) || (err == nil && gw.Type != identity.TypeGateway) {
			return nil, &InvalidHierarchyError{ID: device.DevID, OwnerID: device.CreatedBy}
		} else if err != nil {
			return nil, err
		}
	} else if device.CreatedBy == "" {
		device.CreatedBy = AdminID
	}

	batch := dynsec.NewBatch()
	_ = batch.Add(mgr.deviceRole(device.DevID, device.Type))
	if device.Type == identity.TypeEdge {
		_ = batch.Add(dynsec.AddClientRole{
			Username: device.CreatedBy,
			RoleName: topics.RoleName(device.DevID),
			Priority: dynsec.DefaultPriority,
		})
	} else {
		_ = batch.Add(deviceClient(device.DevID, newDevice.Password))
	}
	if err := mgr.dispatcher.Dispatch(ctx, batch); err != nil {
		logrus.Errorf("Manager.CreateDevice: device '%s' not created: %s", device.DevID, err)
		return nil, err
	}

	if device.CreatedDate.IsZero() {
		device.CreatedDate = time.Now().UTC()
	}
	if err := mgr.store.SaveDevice(&device); err != nil {
		return nil, fmt.Errorf("save device '%s': %w", device.DevID, err)
	}
	logrus.Infof("Manager.CreateDevice: created %s '%s'", device.Type, device.DevID)
	return &device, nil
}

// RegisterEdge registers an edge device on request of its gateway
func (mgr *Manager) RegisterEdge(ctx context.Context, gatewayID string, devID string) error {
	newDevice := NewDevice{Device: identity.Device{
		DevID:     devID,
		Type:      identity.TypeEdge,
		CreatedBy: gatewayID,
	}}
	_, err := mgr.CreateDevice(ctx, newDevice)
	return err
}

// DeleteDevice removes a device from both stores.
// Deleting a gateway also deletes its edge devices. Their roles are deleted before the
// gateway's own role and client.
func (mgr *Manager) DeleteDevice(ctx context.Context, devID string) error {
	device, err := mgr.store.Device(devID)
	if err != nil {
		return err
	}
	batch := dynsec.NewBatch()
	var children []identity.Device
	switch device.Type {
	case identity.TypeGateway:
		children, err = mgr.store.DevicesOwnedBy(devID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Type != identity.TypeEdge {
				_ = batch.Add(dynsec.DeleteClient{Username: child.DevID})
			}
			batch.DeleteRole(topics.RoleName(child.DevID))
		}
		batch.DeleteRole(topics.RoleName(devID))
		_ = batch.Add(dynsec.DeleteClient{Username: devID})
	case identity.TypeEdge:
		batch.DeleteRole(topics.RoleName(devID))
	default:
		_ = batch.Add(dynsec.DeleteClient{Username: devID})
		batch.DeleteRole(topics.RoleName(devID))
	}

	// records are removed once the whole batch is known, all or none
	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		childIDs = append(childIDs, child.DevID)
	}
	if err = mgr.store.DeleteDevices(devID, childIDs...); err != nil {
		return err
	}
	logrus.Infof("Manager.DeleteDevice: deleted %s '%s'", device.Type, devID)
	return mgr.dispatcher.Dispatch(ctx, batch)
}

// CreateApp registers an application.
// A restricted app gets a dedicated role without ACLs. Device access is granted to it
// with the membership reconciler. Other apps share the $apps role.
func (mgr *Manager) CreateApp(ctx context.Context, newApp NewApp) (*identity.App, error) {
	app := newApp.App
	if err := ValidateID(app.AppID); err != nil {
		return nil, err
	}
	if err := mgr.checkUnique(app.AppID); err != nil {
		return nil, err
	}
	batch := dynsec.NewBatch()
	if app.Restricted {
		_ = batch.Add(dynsec.CreateRole{RoleName: dynsec.AppRoleName(app.AppID)})
	}
	_ = batch.Add(appClient(&app, newApp.Password))
	if err := mgr.dispatcher.Dispatch(ctx, batch); err != nil {
		logrus.Errorf("Manager.CreateApp: app '%s' not created: %s", app.AppID, err)
		return nil, err
	}

	if app.CreatedBy == "" {
		app.CreatedBy = AdminID
	}
	if app.CreatedDate.IsZero() {
		app.CreatedDate = time.Now().UTC()
	}
	if err := mgr.store.SaveApp(&app); err != nil {
		return nil, fmt.Errorf("save app '%s': %w", app.AppID, err)
	}
	logrus.Infof("Manager.CreateApp: created app '%s' restricted=%v", app.AppID, app.Restricted)
	return &app, nil
}

// DeleteApp removes an application from both stores
func (mgr *Manager) DeleteApp(ctx context.Context, appID string) error {
	app, err := mgr.store.App(appID)
	if err != nil {
		return err
	}
	batch := dynsec.NewBatch()
	if app.Restricted {
		batch.DeleteRole(dynsec.AppRoleName(appID))
	}
	_ = batch.Add(dynsec.DeleteClient{Username: appID})
	if err = mgr.store.DeleteApp(appID); err != nil {
		return err
	}
	logrus.Infof("Manager.DeleteApp: deleted app '%s'", appID)
	return mgr.dispatcher.Dispatch(ctx, batch)
}

// Reprovision recreates the backend client of a stored device or app with a new secret.
// This repairs an identity the auditor reported as missing from the authorization backend.
// A client that exists in the backend is not touched and StaleStateError is returned.
func (mgr *Manager) Reprovision(ctx context.Context, id string, secret string) error {
	snap, err := mgr.snapshotter.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Client(id) != nil {
		return &StaleStateError{ID: id}
	}
	batch := dynsec.NewBatch()
	device, err := mgr.store.Device(id)
	if err == nil {
		if device.Type == identity.TypeEdge {
			return fmt.Errorf("%w: edge device '%s' has no client", ErrInvalidType, id)
		}
		if !snap.RoleExists(topics.RoleName(id)) {
			_ = batch.Add(mgr.deviceRole(id, device.Type))
		}
		_ = batch.Add(deviceClient(id, secret))
	} else if errors.Is(err, identity.ErrNotFound) {
		app, err := mgr.store.App(id)
		if err != nil {
			return err
		}
		if app.Restricted && !snap.RoleExists(dynsec.AppRoleName(id)) {
			_ = batch.Add(dynsec.CreateRole{RoleName: dynsec.AppRoleName(id)})
		}
		_ = batch.Add(appClient(app, secret))
	} else {
		return err
	}
	logrus.Infof("Manager.Reprovision: recreating client '%s'", id)
	return mgr.dispatcher.Dispatch(ctx, batch)
}

// WebAccess issues a new password for the $web client used by web dashboards
// and returns its credentials.
func (mgr *Manager) WebAccess(ctx context.Context) (username string, password string, err error) {
	password = uuid.NewString()
	batch := dynsec.NewBatch()
	_ = batch.Add(dynsec.SetClientPassword{Username: dynsec.WebUsername, Password: password})
	err = mgr.dispatcher.Dispatch(ctx, batch)
	if err != nil {
		return "", "", err
	}
	return dynsec.WebUsername, password, nil
}

// Device returns a stored device
func (mgr *Manager) Device(devID string) (*identity.Device, error) {
	return mgr.store.Device(devID)
}

// Devices returns all stored devices
func (mgr *Manager) Devices() ([]identity.Device, error) {
	return mgr.store.ListDevices()
}

// App returns a stored app
func (mgr *Manager) App(appID string) (*identity.App, error) {
	return mgr.store.App(appID)
}

// Apps returns all stored apps
func (mgr *Manager) Apps() ([]identity.App, error) {
	return mgr.store.ListApps()
}

// NewManager creates the lifecycle manager
//  store is the identity store
//  dispatcher sends command batches to the authorization backend
//  snapshotter reads the authorization backend state
//  ns is the topic namespace
func NewManager(store *identity.Store, dispatcher *dynsec.Dispatcher,
	snapshotter dynsec.Snapshotter, ns string) *Manager {
	if ns == "" {
		ns = topics.DefaultNamespace
	}
	return &Manager{
		store:       store,
		dispatcher:  dispatcher,
		snapshotter: snapshotter,
		ns:          ns,
	}
}
