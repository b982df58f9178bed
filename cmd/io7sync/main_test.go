package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/io7lab/io7sync/pkg/audit"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/io7config"
)

const testConfig = `
logLevel: warning
logFile: logs/io7sync.log
mqttAddress: 127.0.0.1
mqttPort: 1
dynSecUser: admin
dynSecPath: mosquitto/dynamic-security.json
retryDelaySec: 1
namespace: iot3
dataDir: data
apiAddress: 127.0.0.1
apiPort: 2009
`

const testDynSec = `{
	"clients": [
		{"username": "admin", "roles": [{"rolename": "admin"}]},
		{"username": "dev1", "roles": [{"rolename": "dev1", "priority": -1}]}
	],
	"roles": [{"rolename": "admin"}, {"rolename": "dev1", "acls": []}]
}`

// testHome creates an application home with configuration and dynamic-security file
func testHome(t *testing.T) string {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(path.Join(home, "config"), 0755))
	require.NoError(t, os.MkdirAll(path.Join(home, "mosquitto"), 0755))
	require.NoError(t, os.WriteFile(path.Join(home, "config", io7config.ConfigName), []byte(testConfig), 0644))
	require.NoError(t, os.WriteFile(path.Join(home, "mosquitto/dynamic-security.json"), []byte(testDynSec), 0644))
	return home
}

func runCmd(args ...string) (string, error) {
	rootCmd := newRootCmd()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAuditCommand(t *testing.T) {
	home := testHome(t)
	store, err := identity.OpenStore(path.Join(home, "data", identity.DatabaseName))
	require.NoError(t, err)
	require.NoError(t, store.SaveApp(&identity.App{AppID: "app1"}))
	store.Close()

	out, err := runCmd("audit", "--home", home)
	require.NoError(t, err)
	report := audit.Report{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []audit.Broken{{ID: "dev1", Kind: audit.KindDevice, ToFix: audit.FixIdentityStore}}, report.Devices)
	assert.Equal(t, []audit.Broken{{ID: "app1", Kind: audit.KindApp, ToFix: audit.FixAuthorizationBackend}}, report.Apps)

	_, err = runCmd("audit", "--home", home, "--strict")
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestAuthenticator(t *testing.T) {
	auth := newAuthenticator("admin", "secret")
	assert.True(t, auth("admin", "secret"))
	assert.False(t, auth("admin", "secre"))
	assert.False(t, auth("admin", "secret2"))
	assert.False(t, auth("other", "secret"))
	assert.False(t, auth("", ""))
}

func TestMissingConfig(t *testing.T) {
	_, err := runCmd("audit", "--home", t.TempDir())
	assert.Error(t, err)
}

func TestServeSingleInstance(t *testing.T) {
	home := testHome(t)
	config, err := io7config.LoadIo7Config(home, "")
	require.NoError(t, err)
	config.ApiPort = 0

	// the broker is unreachable so serve keeps retrying until cancelled
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- serve(ctx, config) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path.Join(config.DataDir, LockFileName))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	err = serve(ctx2, config)
	assert.Error(t, err, "second instance must not start")

	cancel()
	select {
	case err = <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
