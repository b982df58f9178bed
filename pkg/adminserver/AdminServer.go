// Package adminserver with the HTTP administration API of io7sync
package adminserver

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/audit"
	"github.com/io7lab/io7sync/pkg/devactions"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/lifecycle"
	"github.com/io7lab/io7sync/pkg/membership"
	"github.com/io7lab/io7sync/pkg/shadow"
)

// Services used by the API handlers. Shadow, Actions and Settings are optional.
type Services struct {
	Lifecycle *lifecycle.Manager
	Members   *membership.Reconciler
	Auditor   *audit.Auditor
	Actions   *devactions.Actions
	Shadow    *shadow.Shadow
	// Settings holds the configuration variables
	Settings *identity.Store
}

// AdminServer serves the administration API
type AdminServer struct {
	address       string
	port          uint
	services      Services
	router        *mux.Router
	httpServer    *http.Server
	authenticator func(username, secret string) bool
}

// AddHandler adds a new handler for a path and methods.
//
// When an authenticator is set the request must carry basic auth credentials it accepts.
func (srv *AdminServer) AddHandler(path string, handler http.HandlerFunc, methods ...string) {
	localHandler := handler
	if srv.authenticator != nil {
		localHandler = func(resp http.ResponseWriter, req *http.Request) {
			username, secret, ok := req.BasicAuth()
			if !ok || !srv.authenticator(username, secret) {
				logrus.Infof("AdminServer.HandleFunc %s: User '%s' from %s is unauthorized", path, username, req.RemoteAddr)
				resp.Header().Set("WWW-Authenticate", `Basic realm="io7sync"`)
				writeError(resp, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
				return
			}
			handler(resp, req)
		}
	}
	srv.router.HandleFunc(path, localHandler).Methods(methods...)
}

// Router returns the request handler of the API
func (srv *AdminServer) Router() http.Handler {
	return srv.router
}

// Start listening. Requests are served in the background until Stop is called.
func (srv *AdminServer) Start() error {
	addr := fmt.Sprintf("%s:%d", srv.address, srv.port)
	logrus.Infof("AdminServer.Start: Starting admin server on address: %s", addr)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logrus.Errorf("AdminServer.Start: %s", err)
		return err
	}
	srv.httpServer = &http.Server{Handler: srv.router}
	go func() {
		err2 := srv.httpServer.Serve(listener)
		if err2 != nil && err2 != http.ErrServerClosed {
			logrus.Errorf("AdminServer.Start: Serve: %s", err2)
		}
	}()
	return nil
}

// Stop the server and close all connections
func (srv *AdminServer) Stop() {
	logrus.Infof("AdminServer.Stop: Stopping admin server")
	if srv.httpServer != nil {
		srv.httpServer.Shutdown(context.Background())
	}
}

// registerRoutes adds the API paths
func (srv *AdminServer) registerRoutes() {
	srv.AddHandler("/devices", srv.handleListDevices, http.MethodGet)
	srv.AddHandler("/devices", srv.handleCreateDevice, http.MethodPost)
	srv.AddHandler("/devices/{id}", srv.handleGetDevice, http.MethodGet)
	srv.AddHandler("/devices/{id}", srv.handleDeleteDevice, http.MethodDelete)

	srv.AddHandler("/apps", srv.handleListApps, http.MethodGet)
	srv.AddHandler("/apps", srv.handleCreateApp, http.MethodPost)
	srv.AddHandler("/apps/{id}", srv.handleGetApp, http.MethodGet)
	srv.AddHandler("/apps/{id}", srv.handleDeleteApp, http.MethodDelete)
	srv.AddHandler("/apps/{id}/members", srv.handleGetMembers, http.MethodGet)
	srv.AddHandler("/apps/{id}/members", srv.handleSetMembers, http.MethodPut)

	srv.AddHandler("/audit", srv.handleAudit, http.MethodGet)
	srv.AddHandler("/identities/{id}/reprovision", srv.handleReprovision, http.MethodPost)
	srv.AddHandler("/webaccess", srv.handleWebAccess, http.MethodPost)

	if srv.services.Actions != nil {
		srv.AddHandler("/devices/{id}/reboot", srv.handleReboot, http.MethodPost)
		srv.AddHandler("/devices/{id}/reset", srv.handleReset, http.MethodPost)
		srv.AddHandler("/devices/{id}/metadata", srv.handleMetadata, http.MethodPut)
		srv.AddHandler("/devices/{id}/upgrade", srv.handleUpgrade, http.MethodPost)
	}
	if srv.services.Shadow != nil {
		srv.AddHandler("/devices/{id}/shadow", srv.handleShadow, http.MethodGet)
		srv.AddHandler("/devices/{id}/metrics/{field}", srv.handleMetrics, http.MethodGet)
		srv.AddHandler("/shadow/config", srv.handleGetShadowConfig, http.MethodGet)
		srv.AddHandler("/shadow/config", srv.handleSetShadowConfig, http.MethodPut)
	}
	if srv.services.Settings != nil {
		srv.AddHandler("/config", srv.handleListConfigVars, http.MethodGet)
		srv.AddHandler("/config", srv.handleWriteConfigVars, http.MethodPut, http.MethodPatch)
		srv.AddHandler("/config/{key}", srv.handleGetConfigVar, http.MethodGet)
		srv.AddHandler("/config/{key}", srv.handleSetConfigVar, http.MethodPut)
		srv.AddHandler("/config/{key}", srv.handleDeleteConfigVar, http.MethodDelete)
	}
}

// NewAdminServer creates the admin server. Use Start/Stop to run and close connections
//  address          server listening address
//  port             listening port
//  services         used by the handlers
//  authenticator    optional, function to verify basic auth credentials
func NewAdminServer(address string, port uint, services Services,
	authenticator func(username, secret string) bool) *AdminServer {
	srv := &AdminServer{
		address:       address,
		port:          port,
		services:      services,
		router:        mux.NewRouter(),
		authenticator: authenticator,
	}
	srv.registerRoutes()
	return srv
}
