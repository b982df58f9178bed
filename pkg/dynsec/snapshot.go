package dynsec

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/watcher"
)

// Client as stored by the authorization backend
type Client struct {
	Username string       `json:"username"`
	TextName string       `json:"textname,omitempty"`
	Roles    []ClientRole `json:"roles"`
}

// FirstRole returns the name of the client's first role, or "" if it has none
func (client *Client) FirstRole() string {
	if len(client.Roles) == 0 {
		return ""
	}
	return client.Roles[0].RoleName
}

// Role as stored by the authorization backend
type Role struct {
	RoleName string `json:"rolename"`
	ACLs     []ACL  `json:"acls"`
}

// Snapshot is a point-in-time read of all clients and roles of the authorization backend
type Snapshot struct {
	Clients []Client `json:"clients"`
	Roles   []Role   `json:"roles"`
}

// Client returns the client with the given username, nil if it doesn't exist
func (snap *Snapshot) Client(username string) *Client {
	for i := range snap.Clients {
		if snap.Clients[i].Username == username {
			return &snap.Clients[i]
		}
	}
	return nil
}

// Role returns the role with the given name, nil if it doesn't exist
func (snap *Snapshot) Role(roleName string) *Role {
	for i := range snap.Roles {
		if snap.Roles[i].RoleName == roleName {
			return &snap.Roles[i]
		}
	}
	return nil
}

// RoleExists returns true if a role with the given name exists
func (snap *Snapshot) RoleExists(roleName string) bool {
	return snap.Role(roleName) != nil
}

// AdminUsername returns the username of the first client holding the admin role
func (snap *Snapshot) AdminUsername() string {
	for _, client := range snap.Clients {
		for _, role := range client.Roles {
			if role.RoleName == RoleAdmin {
				return client.Username
			}
		}
	}
	return ""
}

// IsAppRole returns true for the shared and dedicated application roles
func IsAppRole(roleName string) bool {
	return strings.HasPrefix(roleName, RoleApps)
}

// ParseSnapshot parses the dynamic-security plugin json document
func ParseSnapshot(data []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	err := json.Unmarshal(data, snap)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshotter provides point-in-time reads of the authorization backend
type Snapshotter interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// StaticSnapshotter always returns the same snapshot
type StaticSnapshotter struct {
	Snap *Snapshot
}

func (s *StaticSnapshotter) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s.Snap == nil {
		return &Snapshot{}, nil
	}
	return s.Snap, nil
}

// FileSnapshotter reads the snapshot from the plugin's persisted dynamic-security.json.
// The parsed file is cached until the file changes.
type FileSnapshotter struct {
	path    string
	mutex   sync.Mutex
	cached  *Snapshot
	watcher *fsnotify.Watcher
}

// read the file. A partially written file is retried once.
func (fs *FileSnapshotter) load() (*Snapshot, error) {
	var snap *Snapshot
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var data []byte
		data, err = ioutil.ReadFile(fs.path)
		if err != nil {
			return nil, err
		}
		snap, err = ParseSnapshot(data)
		if err == nil {
			return snap, nil
		}
		logrus.Warningf("FileSnapshotter.load: Parse of '%s' failed: %s. Retrying", fs.path, err)
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("parse '%s': %w", fs.path, err)
}

// Snapshot returns the current backend state
func (fs *FileSnapshotter) Snapshot(ctx context.Context) (*Snapshot, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.cached != nil && fs.watcher != nil {
		return fs.cached, nil
	}
	snap, err := fs.load()
	if err != nil {
		return nil, err
	}
	fs.cached = snap
	return snap, nil
}

// Invalidate drops the cached snapshot
func (fs *FileSnapshotter) Invalidate() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.cached = nil
	return nil
}

// Watch starts caching the snapshot and invalidating it when the file changes.
// Without Watch every Snapshot call reads the file.
func (fs *FileSnapshotter) Watch() error {
	w, err := watcher.WatchFile(fs.path, 0, fs.Invalidate)
	if err != nil {
		return err
	}
	fs.mutex.Lock()
	fs.watcher = w
	fs.mutex.Unlock()
	return nil
}

// Close stops watching the file
func (fs *FileSnapshotter) Close() {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.watcher != nil {
		fs.watcher.Close()
		fs.watcher = nil
	}
	fs.cached = nil
}

// NewFileSnapshotter creates a snapshotter for the given dynamic-security.json file
func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}
