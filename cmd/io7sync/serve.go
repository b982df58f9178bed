package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/io7lab/io7sync/internal/mqttclient"
	"github.com/io7lab/io7sync/pkg/adminserver"
	"github.com/io7lab/io7sync/pkg/audit"
	"github.com/io7lab/io7sync/pkg/devactions"
	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/io7config"
	"github.com/io7lab/io7sync/pkg/lifecycle"
	"github.com/io7lab/io7sync/pkg/membership"
	"github.com/io7lab/io7sync/pkg/shadow"
	"github.com/io7lab/io7sync/pkg/supervisor"
)

// LockFileName prevents two instances from using the same data folder
const LockFileName = "io7sync.lock"

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the broker and serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.config)
		},
	}
}

// newAuthenticator returns a basic auth check against a single user.
// Credentials are compared in constant time.
func newAuthenticator(username string, password string) func(string, string) bool {
	return func(user string, secret string) bool {
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		secretOK := subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
		return userOK && secretOK
	}
}

// serve runs until the context is cancelled
func serve(ctx context.Context, config *io7config.Io7Config) error {
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return err
	}
	lock := fslock.New(path.Join(config.DataDir, LockFileName))
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("data folder '%s' is in use by another instance: %w", config.DataDir, err)
	}
	defer lock.Unlock()

	store, err := identity.OpenStore(path.Join(config.DataDir, identity.DatabaseName))
	if err != nil {
		return err
	}
	defer store.Close()

	snapshotter := dynsec.NewFileSnapshotter(config.DynSecPath)
	if err = snapshotter.Watch(); err != nil {
		logrus.Warningf("serve: not watching '%s', snapshots are read on each use: %s", config.DynSecPath, err)
	}
	defer snapshotter.Close()

	transport := mqttclient.NewMqttClient(config.MqttHostPort(), config.MqttCaCertFile,
		time.Duration(config.RetryDelaySec)*time.Second)
	sup, err := supervisor.NewSupervisor(supervisor.Config{
		Username:  config.DynSecUser,
		Password:  config.DynSecPass,
		Namespace: config.Namespace,
		Workers:   config.ShadowWorkers,
	}, transport, store, snapshotter)
	if err != nil {
		return err
	}
	dispatcher := sup.Dispatcher()
	manager := lifecycle.NewManager(store, dispatcher, snapshotter, config.Namespace)
	sup.SetRegistrar(manager)

	sh, err := shadow.NewShadow(store.DB(), config.MonitoredDevices, config.MonitoredFieldset)
	if err != nil {
		return err
	}
	if err = sh.UseSettings(store); err != nil {
		return err
	}
	sup.SetRecorder(sh)

	services := adminserver.Services{
		Lifecycle: manager,
		Members:   membership.NewReconciler(store, dispatcher, snapshotter, config.Namespace),
		Auditor:   audit.NewAuditor(store, snapshotter),
		Actions:   devactions.NewActions(store, sup, config.Namespace),
		Shadow:    sh,
		Settings:  store,
	}
	var authenticator func(string, string) bool
	if config.DynSecPass != "" {
		// the admin api accepts the broker administrator's credentials
		authenticator = newAuthenticator(config.DynSecUser, config.DynSecPass)
	}
	srv := adminserver.NewAdminServer(config.ApiAddress, uint(config.ApiPort), services, authenticator)
	if err = srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	logrus.Warningf("serve: io7sync started. broker=%s api=%s", config.MqttHostPort(), config.ApiHostPort())
	return sup.Run(ctx)
}
