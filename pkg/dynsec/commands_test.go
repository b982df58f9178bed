package dynsec_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/io7lab/io7sync/internal/testenv"
	"github.com/io7lab/io7sync/pkg/dynsec"
)

func TestCommandFieldNames(t *testing.T) {
	cmd := dynsec.CreateClient{
		Username: "dev1",
		Password: "secret",
		Roles:    []dynsec.ClientRole{{RoleName: "dev1", Priority: -1}},
	}
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"createClient","username":"dev1","password":"secret",
		"roles":[{"rolename":"dev1","priority":-1}]}`, string(raw))

	raw, err = json.Marshal(dynsec.CreateRole{RoleName: "r1",
		ACLs: []dynsec.ACL{dynsec.NewACL(dynsec.ACLSubscribe, "iot3/r1/cmd/+/fmt/+")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"createRole","rolename":"r1","acls":[
		{"acltype":"subscribePattern","topic":"iot3/r1/cmd/+/fmt/+","priority":-1,"allow":true}]}`, string(raw))

	raw, _ = json.Marshal(dynsec.CreateRole{RoleName: "$apps_a1"})
	assert.JSONEq(t, `{"command":"createRole","rolename":"$apps_a1","acls":[]}`, string(raw))

	raw, _ = json.Marshal(dynsec.RemoveRoleACL{RoleName: "r1", ACLType: dynsec.ACLPublish, Topic: "t"})
	assert.JSONEq(t, `{"command":"removeRoleACL","rolename":"r1","acltype":"publishClientSend","topic":"t"}`, string(raw))

	raw, _ = json.Marshal(dynsec.AddRoleACL{RoleName: "r1", ACLType: dynsec.ACLPublish, Topic: "t", Priority: -1, Allow: true})
	assert.JSONEq(t, `{"command":"addRoleACL","rolename":"r1","acltype":"publishClientSend","topic":"t","priority":-1,"allow":true}`, string(raw))

	raw, _ = json.Marshal(dynsec.AddClientRole{Username: "gw1", RoleName: "edge1", Priority: -1})
	assert.JSONEq(t, `{"command":"addClientRole","username":"gw1","rolename":"edge1","priority":-1}`, string(raw))

	raw, _ = json.Marshal(dynsec.SetClientPassword{Username: "$web", Password: "pw"})
	assert.JSONEq(t, `{"command":"setClientPassword","username":"$web","password":"pw"}`, string(raw))

	raw, _ = json.Marshal(dynsec.DeleteClient{Username: "dev1"})
	assert.JSONEq(t, `{"command":"deleteClient","username":"dev1"}`, string(raw))
}

func TestBatchEnvelope(t *testing.T) {
	batch := dynsec.NewBatch()
	require.NoError(t, batch.Add(dynsec.DeleteClient{Username: "dev1"}))
	batch.DeleteRole("dev1")
	raw, err := batch.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"commands":[{"command":"deleteClient","username":"dev1"},
		{"command":"deleteRole","rolename":"dev1"}]}`, string(raw))
}

func TestProtectedRoles(t *testing.T) {
	for _, role := range []string{"admin", "$apps", "$io7_adm"} {
		batch := dynsec.NewBatch()
		err := batch.Add(dynsec.DeleteRole{RoleName: role})
		var protErr *dynsec.ProtectedResourceError
		assert.True(t, errors.As(err, &protErr))
		batch.DeleteRole(role)
		assert.Equal(t, 0, batch.Len())
	}
	// the dedicated app role is not a system role
	assert.False(t, dynsec.IsProtectedRole("$apps_app1"))
}

func TestDispatchProtectedRoleSendsNothing(t *testing.T) {
	dispatcher, sender := testenv.NewDispatcher()
	batch := dynsec.NewBatch()
	batch.DeleteRole("$apps")
	batch.DeleteRole("admin")
	err := dispatcher.Dispatch(context.Background(), batch)
	assert.NoError(t, err)
	assert.Empty(t, sender.Messages())
}

func TestDispatch(t *testing.T) {
	dispatcher, sender := testenv.NewDispatcher()
	batch := dynsec.NewBatch()
	batch.DeleteRole("dev1")
	err := dispatcher.Dispatch(context.Background(), batch)
	require.NoError(t, err)
	msgs := sender.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$CONTROL/dynamic-security/v1", msgs[0].Topic)

	sender.Fail = &dynsec.TransportUnavailableError{}
	err = dispatcher.Dispatch(context.Background(), batch)
	var tuErr *dynsec.TransportUnavailableError
	assert.True(t, errors.As(err, &tuErr))
}
