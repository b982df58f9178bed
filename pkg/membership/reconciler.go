// Package membership with the device memberships of restricted applications
//
// A membership is not stored as such. It is the presence of a subscribe ACL on the device's
// event topic and/or a publish ACL on the device's command topic in the app's dedicated role.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/topics"
)

// ErrNotRestricted is returned for apps that use the shared $apps role
var ErrNotRestricted = errors.New("app is not restricted")

// Member is the access of an app to one device
type Member struct {
	DevID        string `json:"devId"`
	AllowEvent   bool   `json:"evt"`
	AllowCommand bool   `json:"cmd"`
}

// grant is the current access of an app to a device, with the ACL entries that implement it
type grant struct {
	member Member
	acls   []dynsec.ACL
}

// Reconciler computes and dispatches the ACL changes of app memberships
type Reconciler struct {
	store       *identity.Store
	dispatcher  *dynsec.Dispatcher
	snapshotter dynsec.Snapshotter
	ns          string
}

// currentGrants groups the ACL entries of the role by the device segment of their topic
func (rec *Reconciler) currentGrants(role *dynsec.Role) map[string]*grant {
	grants := make(map[string]*grant)
	if role == nil {
		return grants
	}
	for _, acl := range role.ACLs {
		parts := strings.Split(acl.Topic, "/")
		if len(parts) < 3 || parts[0] != rec.ns {
			continue
		}
		devID := parts[1]
		g := grants[devID]
		if g == nil {
			g = &grant{member: Member{DevID: devID}}
			grants[devID] = g
		}
		switch parts[2] {
		case "evt":
			g.member.AllowEvent = g.member.AllowEvent || acl.Allow
		case "cmd":
			g.member.AllowCommand = g.member.AllowCommand || acl.Allow
		}
		g.acls = append(g.acls, acl)
	}
	return grants
}

func (rec *Reconciler) restrictedRole(ctx context.Context, appID string) (*dynsec.Role, error) {
	app, err := rec.store.App(appID)
	if err != nil {
		return nil, err
	}
	if !app.Restricted {
		return nil, fmt.Errorf("%w: '%s'", ErrNotRestricted, appID)
	}
	snap, err := rec.snapshotter.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Role(dynsec.AppRoleName(appID)), nil
}

// Members returns the current device memberships of a restricted app, sorted by device ID
func (rec *Reconciler) Members(ctx context.Context, appID string) ([]Member, error) {
	role, err := rec.restrictedRole(ctx, appID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0)
	for _, g := range rec.currentGrants(role) {
		members = append(members, g.member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].DevID < members[j].DevID })
	return members, nil
}

// Plan computes the minimal command batch that turns the current grants of the role into
// the desired memberships. Devices with an unchanged grant produce no commands.
// All removals come before the additions.
func (rec *Reconciler) Plan(role *dynsec.Role, roleName string, desired []Member) *dynsec.Batch {
	current := rec.currentGrants(role)
	wanted := make(map[string]Member)
	for _, m := range desired {
		if m.AllowEvent || m.AllowCommand {
			wanted[m.DevID] = m
		}
	}

	removals := make([]string, 0)
	for devID, g := range current {
		if w, found := wanted[devID]; !found || w != g.member || !canonical(rec.ns, g) {
			removals = append(removals, devID)
		}
	}
	additions := make([]string, 0)
	for devID, w := range wanted {
		g, found := current[devID]
		if !found || w != g.member || !canonical(rec.ns, g) {
			additions = append(additions, devID)
		}
	}
	sort.Strings(removals)
	sort.Strings(additions)

	batch := dynsec.NewBatch()
	for _, devID := range removals {
		for _, acl := range current[devID].acls {
			_ = batch.Add(dynsec.RemoveRoleACL{RoleName: roleName, ACLType: acl.ACLType, Topic: acl.Topic})
		}
	}
	for _, devID := range additions {
		w := wanted[devID]
		dt := topics.For(rec.ns, devID)
		if w.AllowEvent {
			_ = batch.Add(dynsec.AddRoleACL{RoleName: roleName, ACLType: dynsec.ACLSubscribe,
				Topic: dt.Evt, Priority: dynsec.DefaultPriority, Allow: true})
		}
		if w.AllowCommand {
			_ = batch.Add(dynsec.AddRoleACL{RoleName: roleName, ACLType: dynsec.ACLPublish,
				Topic: dt.Cmd, Priority: dynsec.DefaultPriority, Allow: true})
		}
	}
	return batch
}

// canonical is true when the grant consists of exactly the ACL entries that a fresh
// grant of the same member would produce
func canonical(ns string, g *grant) bool {
	dt := topics.For(ns, g.member.DevID)
	expected := make(map[dynsec.ACL]bool)
	if g.member.AllowEvent {
		expected[dynsec.NewACL(dynsec.ACLSubscribe, dt.Evt)] = true
	}
	if g.member.AllowCommand {
		expected[dynsec.NewACL(dynsec.ACLPublish, dt.Cmd)] = true
	}
	if len(g.acls) != len(expected) {
		return false
	}
	for _, acl := range g.acls {
		if !expected[acl] {
			return false
		}
	}
	return true
}

// Reconcile updates the device memberships of a restricted app to the desired list.
// Returns the number of commands dispatched.
func (rec *Reconciler) Reconcile(ctx context.Context, appID string, desired []Member) (int, error) {
	for _, m := range desired {
		if m.DevID == "" {
			return 0, fmt.Errorf("%w: member without device ID", topics.ErrInvalidID)
		}
		if err := topics.CheckID(m.DevID); err != nil {
			return 0, err
		}
	}
	role, err := rec.restrictedRole(ctx, appID)
	if err != nil {
		return 0, err
	}
	batch := rec.Plan(role, dynsec.AppRoleName(appID), desired)
	logrus.Infof("Reconciler.Reconcile: app '%s', %d commands", appID, batch.Len())
	if err = rec.dispatcher.Dispatch(ctx, batch); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

// NewReconciler creates a membership reconciler
func NewReconciler(store *identity.Store, dispatcher *dynsec.Dispatcher,
	snapshotter dynsec.Snapshotter, ns string) *Reconciler {
	if ns == "" {
		ns = topics.DefaultNamespace
	}
	return &Reconciler{store: store, dispatcher: dispatcher, snapshotter: snapshotter, ns: ns}
}
