// Package dynsec with the command model of the mosquitto dynamic-security plugin
//
// Each command is a typed struct holding exactly the fields the plugin expects. Commands are
// collected in a Batch, one per logical operation, and sent as a single envelope:
//  {"commands": [ {"command": "createRole", ...}, {"command": "createClient", ...} ]}
package dynsec

import (
	"encoding/json"
)

// ACL types supported by the io7 roles
const (
	ACLSubscribe = "subscribePattern"
	ACLPublish   = "publishClientSend"
)

// DefaultPriority is used for all roles and ACLs created by io7
const DefaultPriority = -1

// System role names
const (
	RoleAdmin   = "admin"
	RoleApps    = "$apps"
	RoleIo7Adm  = "$io7_adm"
	AppRolePfx  = "$apps_"
	WebUsername = "$web"
)

// IsProtectedRole returns true for the system roles that must never be deleted
func IsProtectedRole(roleName string) bool {
	switch roleName {
	case RoleAdmin, RoleApps, RoleIo7Adm:
		return true
	}
	return false
}

// AppRoleName is the dedicated role of a restricted application
func AppRoleName(appID string) string {
	return AppRolePfx + appID
}

// Command is one dynamic-security command
type Command interface {
	// CommandName returns the value of the "command" field
	CommandName() string
}

// ACL is an ACL entry of a role
type ACL struct {
	ACLType  string `json:"acltype"`
	Topic    string `json:"topic"`
	Priority int    `json:"priority"`
	Allow    bool   `json:"allow"`
}

// ClientRole binds a role to a client
type ClientRole struct {
	RoleName string `json:"rolename"`
	Priority int    `json:"priority"`
}

// NewACL returns an allowing ACL entry with the default priority
func NewACL(aclType string, topic string) ACL {
	return ACL{ACLType: aclType, Topic: topic, Priority: DefaultPriority, Allow: true}
}

type CreateClient struct {
	Username string       `json:"username"`
	Password string       `json:"password"`
	Roles    []ClientRole `json:"roles"`
}

type DeleteClient struct {
	Username string `json:"username"`
}

type CreateRole struct {
	RoleName string `json:"rolename"`
	ACLs     []ACL  `json:"acls"`
}

type DeleteRole struct {
	RoleName string `json:"rolename"`
}

type AddRoleACL struct {
	RoleName string `json:"rolename"`
	ACLType  string `json:"acltype"`
	Topic    string `json:"topic"`
	Priority int    `json:"priority"`
	Allow    bool   `json:"allow"`
}

type RemoveRoleACL struct {
	RoleName string `json:"rolename"`
	ACLType  string `json:"acltype"`
	Topic    string `json:"topic"`
}

type AddClientRole struct {
	Username string `json:"username"`
	RoleName string `json:"rolename"`
	Priority int    `json:"priority"`
}

type SetClientPassword struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (CreateClient) CommandName() string      { return "createClient" }
func (DeleteClient) CommandName() string      { return "deleteClient" }
func (CreateRole) CommandName() string        { return "createRole" }
func (DeleteRole) CommandName() string        { return "deleteRole" }
func (AddRoleACL) CommandName() string        { return "addRoleACL" }
func (RemoveRoleACL) CommandName() string     { return "removeRoleACL" }
func (AddClientRole) CommandName() string     { return "addClientRole" }
func (SetClientPassword) CommandName() string { return "setClientPassword" }

// marshalCommand renders the command fields together with the "command" name
func marshalCommand(name string, fields interface{}) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	obj := make(map[string]json.RawMessage)
	if err = json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj["command"], _ = json.Marshal(name)
	return json.Marshal(obj)
}

// The alias types drop the MarshalJSON method to avoid recursion

func (c CreateClient) MarshalJSON() ([]byte, error) {
	type plain CreateClient
	if c.Roles == nil {
		c.Roles = []ClientRole{}
	}
	return marshalCommand(c.CommandName(), plain(c))
}

func (c DeleteClient) MarshalJSON() ([]byte, error) {
	type plain DeleteClient
	return marshalCommand(c.CommandName(), plain(c))
}

func (c CreateRole) MarshalJSON() ([]byte, error) {
	type plain CreateRole
	if c.ACLs == nil {
		c.ACLs = []ACL{}
	}
	return marshalCommand(c.CommandName(), plain(c))
}

func (c DeleteRole) MarshalJSON() ([]byte, error) {
	type plain DeleteRole
	return marshalCommand(c.CommandName(), plain(c))
}

func (c AddRoleACL) MarshalJSON() ([]byte, error) {
	type plain AddRoleACL
	return marshalCommand(c.CommandName(), plain(c))
}

func (c RemoveRoleACL) MarshalJSON() ([]byte, error) {
	type plain RemoveRoleACL
	return marshalCommand(c.CommandName(), plain(c))
}

func (c AddClientRole) MarshalJSON() ([]byte, error) {
	type plain AddClientRole
	return marshalCommand(c.CommandName(), plain(c))
}

func (c SetClientPassword) MarshalJSON() ([]byte, error) {
	type plain SetClientPassword
	return marshalCommand(c.CommandName(), plain(c))
}
