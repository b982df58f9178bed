// Package audit with the consistency check between the identity store and the
// authorization backend
package audit

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/topics"
)

// Store that needs fixing
const (
	FixIdentityStore        = "identityStore"
	FixAuthorizationBackend = "authorizationBackend"
)

// Kinds of broken entities
const (
	KindDevice = "device"
	KindApp    = "app"
)

// Broken is an identity that exists in only one of the two stores
type Broken struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	ToFix string `json:"toFix"`
}

// Report lists the broken devices and apps, sorted by ID
type Report struct {
	Devices []Broken `json:"devices"`
	Apps    []Broken `json:"apps"`
}

// Consistent returns true when no broken entity was found
func (report *Report) Consistent() bool {
	return len(report.Devices) == 0 && len(report.Apps) == 0
}

// Auditor compares the identity store with a snapshot of the authorization backend.
// It never changes either store.
type Auditor struct {
	store       *identity.Store
	snapshotter dynsec.Snapshotter
}

// ignored clients are managed by the broker administrator, not by io7
func ignored(username string) bool {
	return strings.HasPrefix(username, "$") || username == dynsec.RoleAdmin
}

// backendIdentities splits the backend clients in devices and apps.
// A client is a device when its first role is its own role, and an app when its
// first role is an $apps role.
func backendIdentities(snap *dynsec.Snapshot) (devices map[string]bool, apps map[string]bool) {
	devices = make(map[string]bool)
	apps = make(map[string]bool)
	for i := range snap.Clients {
		client := &snap.Clients[i]
		if ignored(client.Username) {
			continue
		}
		firstRole := client.FirstRole()
		if firstRole == topics.RoleName(client.Username) {
			devices[client.Username] = true
		} else if dynsec.IsAppRole(firstRole) {
			apps[client.Username] = true
		}
	}
	return devices, apps
}

// diff reports the ids of both sets that are missing in the other
func diff(kind string, stored map[string]bool, backend map[string]bool) []Broken {
	broken := make([]Broken, 0)
	for id := range backend {
		if !stored[id] {
			broken = append(broken, Broken{ID: id, Kind: kind, ToFix: FixIdentityStore})
		}
	}
	for id := range stored {
		if !backend[id] {
			broken = append(broken, Broken{ID: id, Kind: kind, ToFix: FixAuthorizationBackend})
		}
	}
	sort.Slice(broken, func(i, j int) bool { return broken[i].ID < broken[j].ID })
	return broken
}

// Audit runs both scans and returns the broken entities
func (auditor *Auditor) Audit(ctx context.Context) (*Report, error) {
	snap, err := auditor.snapshotter.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := auditor.store.ListDevices()
	if err != nil {
		return nil, err
	}
	apps, err := auditor.store.ListApps()
	if err != nil {
		return nil, err
	}
	storedDevices := make(map[string]bool)
	storedEdges := make(map[string]bool)
	for _, device := range devices {
		if device.Type == identity.TypeEdge {
			// edge devices never own a client
			storedEdges[device.DevID] = true
			continue
		}
		storedDevices[device.DevID] = true
	}
	storedApps := make(map[string]bool)
	for _, app := range apps {
		storedApps[app.AppID] = true
	}

	backendDevices, backendApps := backendIdentities(snap)
	for id := range storedEdges {
		// a client named after an edge device is still reported as a stray client
		if backendDevices[id] {
			logrus.Warningf("Auditor.Audit: edge device '%s' has a client of its own", id)
		}
	}
	report := &Report{
		Devices: diff(KindDevice, storedDevices, backendDevices),
		Apps:    diff(KindApp, storedApps, backendApps),
	}
	logrus.Infof("Auditor.Audit: %d broken devices, %d broken apps", len(report.Devices), len(report.Apps))
	return report, nil
}

// NewAuditor creates a consistency auditor
func NewAuditor(store *identity.Store, snapshotter dynsec.Snapshotter) *Auditor {
	return &Auditor{store: store, snapshotter: snapshotter}
}
