package adminserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/devactions"
	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/lifecycle"
	"github.com/io7lab/io7sync/pkg/membership"
	"github.com/io7lab/io7sync/pkg/shadow"
	"github.com/io7lab/io7sync/pkg/topics"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(resp http.ResponseWriter, status int, body interface{}) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(resp).Encode(body); err != nil {
			logrus.Errorf("AdminServer.writeJSON: %s", err)
		}
	}
}

func writeError(resp http.ResponseWriter, status int, err error) {
	writeJSON(resp, status, errorResponse{Error: err.Error()})
}

// statusOf maps the domain errors to http status codes
func statusOf(err error) int {
	var reservedErr *lifecycle.ReservedNameError
	var dupErr *lifecycle.DuplicateIdentityError
	var hierErr *lifecycle.InvalidHierarchyError
	var staleErr *lifecycle.StaleStateError
	var conflictErr *lifecycle.RoleConflictError
	var tuErr *dynsec.TransportUnavailableError
	switch {
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, shadow.ErrNoShadow):
		return http.StatusNotFound
	case errors.As(err, &dupErr), errors.As(err, &staleErr), errors.As(err, &conflictErr):
		return http.StatusConflict
	case errors.As(err, &reservedErr), errors.As(err, &hierErr),
		errors.Is(err, lifecycle.ErrEmptyID), errors.Is(err, lifecycle.ErrInvalidType),
		errors.Is(err, topics.ErrInvalidID), errors.Is(err, identity.ErrEmptyKey),
		errors.Is(err, membership.ErrNotRestricted), errors.Is(err, devactions.ErrEmptyURL):
		return http.StatusBadRequest
	case errors.As(err, &tuErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// reply writes the result, or the error with its status code
func reply(resp http.ResponseWriter, req *http.Request, status int, body interface{}, err error) {
	if err != nil {
		status = statusOf(err)
		if status == http.StatusInternalServerError {
			logrus.Errorf("AdminServer %s %s: %s", req.Method, req.URL.Path, err)
		}
		writeError(resp, status, err)
		return
	}
	writeJSON(resp, status, body)
}

// decode the request body into v. Writes a bad request response on failure.
func decode(resp http.ResponseWriter, req *http.Request, v interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (srv *AdminServer) handleListDevices(resp http.ResponseWriter, req *http.Request) {
	devices, err := srv.services.Lifecycle.Devices()
	reply(resp, req, http.StatusOK, devices, err)
}

func (srv *AdminServer) handleCreateDevice(resp http.ResponseWriter, req *http.Request) {
	newDevice := lifecycle.NewDevice{}
	if !decode(resp, req, &newDevice) {
		return
	}
	device, err := srv.services.Lifecycle.CreateDevice(req.Context(), newDevice)
	reply(resp, req, http.StatusCreated, device, err)
}

func (srv *AdminServer) handleGetDevice(resp http.ResponseWriter, req *http.Request) {
	device, err := srv.services.Lifecycle.Device(mux.Vars(req)["id"])
	reply(resp, req, http.StatusOK, device, err)
}

func (srv *AdminServer) handleDeleteDevice(resp http.ResponseWriter, req *http.Request) {
	err := srv.services.Lifecycle.DeleteDevice(req.Context(), mux.Vars(req)["id"])
	reply(resp, req, http.StatusNoContent, nil, err)
}

func (srv *AdminServer) handleListApps(resp http.ResponseWriter, req *http.Request) {
	apps, err := srv.services.Lifecycle.Apps()
	reply(resp, req, http.StatusOK, apps, err)
}

func (srv *AdminServer) handleCreateApp(resp http.ResponseWriter, req *http.Request) {
	newApp := lifecycle.NewApp{}
	if !decode(resp, req, &newApp) {
		return
	}
	app, err := srv.services.Lifecycle.CreateApp(req.Context(), newApp)
	reply(resp, req, http.StatusCreated, app, err)
}

func (srv *AdminServer) handleGetApp(resp http.ResponseWriter, req *http.Request) {
	app, err := srv.services.Lifecycle.App(mux.Vars(req)["id"])
	reply(resp, req, http.StatusOK, app, err)
}

func (srv *AdminServer) handleDeleteApp(resp http.ResponseWriter, req *http.Request) {
	err := srv.services.Lifecycle.DeleteApp(req.Context(), mux.Vars(req)["id"])
	reply(resp, req, http.StatusNoContent, nil, err)
}

func (srv *AdminServer) handleGetMembers(resp http.ResponseWriter, req *http.Request) {
	members, err := srv.services.Members.Members(req.Context(), mux.Vars(req)["id"])
	reply(resp, req, http.StatusOK, members, err)
}

// handleSetMembers replaces the device memberships of a restricted app
func (srv *AdminServer) handleSetMembers(resp http.ResponseWriter, req *http.Request) {
	desired := make([]membership.Member, 0)
	if !decode(resp, req, &desired) {
		return
	}
	n, err := srv.services.Members.Reconcile(req.Context(), mux.Vars(req)["id"], desired)
	reply(resp, req, http.StatusOK, map[string]int{"commands": n}, err)
}

func (srv *AdminServer) handleAudit(resp http.ResponseWriter, req *http.Request) {
	report, err := srv.services.Auditor.Audit(req.Context())
	reply(resp, req, http.StatusOK, report, err)
}

func (srv *AdminServer) handleReprovision(resp http.ResponseWriter, req *http.Request) {
	body := struct {
		Password string `json:"password"`
	}{}
	if !decode(resp, req, &body) {
		return
	}
	err := srv.services.Lifecycle.Reprovision(req.Context(), mux.Vars(req)["id"], body.Password)
	reply(resp, req, http.StatusAccepted, nil, err)
}

func (srv *AdminServer) handleWebAccess(resp http.ResponseWriter, req *http.Request) {
	username, password, err := srv.services.Lifecycle.WebAccess(req.Context())
	reply(resp, req, http.StatusOK, map[string]string{"username": username, "password": password}, err)
}

func (srv *AdminServer) handleReboot(resp http.ResponseWriter, req *http.Request) {
	err := srv.services.Actions.Reboot(mux.Vars(req)["id"])
	reply(resp, req, http.StatusAccepted, nil, err)
}

func (srv *AdminServer) handleReset(resp http.ResponseWriter, req *http.Request) {
	err := srv.services.Actions.FactoryReset(mux.Vars(req)["id"])
	reply(resp, req, http.StatusAccepted, nil, err)
}

func (srv *AdminServer) handleMetadata(resp http.ResponseWriter, req *http.Request) {
	body := struct {
		Metadata interface{} `json:"metadata"`
	}{}
	if !decode(resp, req, &body) {
		return
	}
	err := srv.services.Actions.UpdateMetadata(mux.Vars(req)["id"], body.Metadata)
	reply(resp, req, http.StatusAccepted, nil, err)
}

func (srv *AdminServer) handleUpgrade(resp http.ResponseWriter, req *http.Request) {
	body := struct {
		FwURL string `json:"fw_url"`
	}{}
	if !decode(resp, req, &body) {
		return
	}
	err := srv.services.Actions.UpgradeFirmware(mux.Vars(req)["id"], body.FwURL)
	reply(resp, req, http.StatusAccepted, nil, err)
}

func (srv *AdminServer) handleShadow(resp http.ResponseWriter, req *http.Request) {
	event, err := srv.services.Shadow.Latest(req.Context(), mux.Vars(req)["id"])
	reply(resp, req, http.StatusOK, event, err)
}

func (srv *AdminServer) handleMetrics(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	limit := 0
	if value := req.URL.Query().Get("limit"); value != "" {
		var err error
		if limit, err = strconv.Atoi(value); err != nil {
			writeError(resp, http.StatusBadRequest, err)
			return
		}
	}
	metrics, err := srv.services.Shadow.Metrics(req.Context(), vars["id"], vars["field"], limit)
	reply(resp, req, http.StatusOK, metrics, err)
}

type shadowConfig struct {
	Monitored []string `json:"monitored"`
	Fieldsets []string `json:"fieldsets"`
}

func (srv *AdminServer) handleGetShadowConfig(resp http.ResponseWriter, req *http.Request) {
	writeJSON(resp, http.StatusOK, shadowConfig{
		Monitored: srv.services.Shadow.Monitored(),
		Fieldsets: srv.services.Shadow.Fieldsets(),
	})
}

// handleSetShadowConfig accepts the comma separated lists {"monitored":"*","fieldsets":"a, b"}
func (srv *AdminServer) handleSetShadowConfig(resp http.ResponseWriter, req *http.Request) {
	body := struct {
		Monitored *string `json:"monitored"`
		Fieldsets *string `json:"fieldsets"`
	}{}
	if !decode(resp, req, &body) {
		return
	}
	if body.Monitored != nil {
		if err := srv.services.Shadow.SetMonitored(*body.Monitored); err != nil {
			reply(resp, req, http.StatusOK, nil, err)
			return
		}
	}
	if body.Fieldsets != nil {
		if err := srv.services.Shadow.SetFieldsets(*body.Fieldsets); err != nil {
			reply(resp, req, http.StatusOK, nil, err)
			return
		}
	}
	srv.handleGetShadowConfig(resp, req)
}

// settingsChanged reloads the settings that are kept in configuration variables
func (srv *AdminServer) settingsChanged() {
	if srv.services.Shadow == nil {
		return
	}
	if err := srv.services.Shadow.Reload(); err != nil {
		logrus.Errorf("AdminServer.settingsChanged: %s", err)
	}
}

func (srv *AdminServer) handleListConfigVars(resp http.ResponseWriter, req *http.Request) {
	vars, err := srv.services.Settings.ListConfigVars()
	reply(resp, req, http.StatusOK, vars, err)
}

// handleWriteConfigVars replaces (PUT) or updates (PATCH) the configuration variables
func (srv *AdminServer) handleWriteConfigVars(resp http.ResponseWriter, req *http.Request) {
	vars := make([]identity.ConfigVar, 0)
	if !decode(resp, req, &vars) {
		return
	}
	var err error
	if req.Method == http.MethodPut {
		err = srv.services.Settings.ReplaceConfigVars(vars)
	} else {
		err = srv.services.Settings.UpdateConfigVars(vars)
	}
	if err == nil {
		srv.settingsChanged()
		vars, err = srv.services.Settings.ListConfigVars()
	}
	reply(resp, req, http.StatusOK, vars, err)
}

func (srv *AdminServer) handleGetConfigVar(resp http.ResponseWriter, req *http.Request) {
	configVar, err := srv.services.Settings.ConfigVar(mux.Vars(req)["key"])
	reply(resp, req, http.StatusOK, configVar, err)
}

func (srv *AdminServer) handleSetConfigVar(resp http.ResponseWriter, req *http.Request) {
	body := struct {
		Value *string `json:"value"`
	}{}
	if !decode(resp, req, &body) {
		return
	}
	if body.Value == nil {
		writeError(resp, http.StatusBadRequest, errors.New("missing 'value' field in request body"))
		return
	}
	key := mux.Vars(req)["key"]
	err := srv.services.Settings.SetConfigVar(key, *body.Value)
	if err == nil {
		srv.settingsChanged()
	}
	reply(resp, req, http.StatusOK, identity.ConfigVar{Key: key, Value: *body.Value}, err)
}

func (srv *AdminServer) handleDeleteConfigVar(resp http.ResponseWriter, req *http.Request) {
	err := srv.services.Settings.DeleteConfigVar(mux.Vars(req)["key"])
	reply(resp, req, http.StatusNoContent, nil, err)
}
