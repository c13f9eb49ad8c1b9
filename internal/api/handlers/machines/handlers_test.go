package machines_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedconsulting/fleetcoord/internal/api/core"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/machines"
	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/scheduler"
)

func newHandler(t *testing.T) *machines.Handler {
	t.Helper()
	db := claimstore.NewMemStore()
	sch := scheduler.New(db)
	deps := &core.Deps{DB: db, Scheduler: sch}
	return machines.New(deps)
}

func doRequest(method, path, body string, paramNames, paramValues []string) (*httptest.ResponseRecorder, echo.Context) {
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames(paramNames...)
	c.SetParamValues(paramValues...)
	return rec, c
}

func TestCreateMachineSucceeds(t *testing.T) {
	h := newHandler(t)
	rec, c := doRequest(http.MethodPost, "/machines", `{"machine_id":"m1","hostname":"host-1","slots":[0,1]}`, nil, nil)

	require.NoError(t, h.Create(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var m claimstore.Machine
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "m1", m.MachineID)
	assert.Equal(t, claimstore.MachineOnline, m.Status)
}

func TestCreateMachineRejectsDuplicate(t *testing.T) {
	h := newHandler(t)
	_, c := doRequest(http.MethodPost, "/machines", `{"machine_id":"m1","slots":[0]}`, nil, nil)
	require.NoError(t, h.Create(c))

	_, c2 := doRequest(http.MethodPost, "/machines", `{"machine_id":"m1","slots":[0]}`, nil, nil)
	err := h.Create(c2)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestGetMachineNotFound(t *testing.T) {
	h := newHandler(t)
	_, c := doRequest(http.MethodGet, "/machines/bogus", "", []string{"id"}, []string{"bogus"})

	err := h.Get(c)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestUpdateMachineStatus(t *testing.T) {
	h := newHandler(t)
	_, c := doRequest(http.MethodPost, "/machines", `{"machine_id":"m1","slots":[0]}`, nil, nil)
	require.NoError(t, h.Create(c))

	rec, c2 := doRequest(http.MethodPatch, "/machines/m1", `{"status":"maintenance"}`, []string{"id"}, []string{"m1"})
	require.NoError(t, h.Update(c2))
	assert.Equal(t, http.StatusOK, rec.Code)

	var m claimstore.Machine
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, claimstore.MachineMaintenance, m.Status)
}

func TestDeleteMachineMovesToMaintenance(t *testing.T) {
	h := newHandler(t)
	_, c := doRequest(http.MethodPost, "/machines", `{"machine_id":"m1","slots":[0]}`, nil, nil)
	require.NoError(t, h.Create(c))

	rec, c2 := doRequest(http.MethodDelete, "/machines/m1", "", []string{"id"}, []string{"m1"})
	require.NoError(t, h.Delete(c2))
	assert.Equal(t, http.StatusOK, rec.Code)

	var m claimstore.Machine
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, claimstore.MachineMaintenance, m.Status)
}

func TestDeleteMachineNotFound(t *testing.T) {
	h := newHandler(t)
	_, c := doRequest(http.MethodDelete, "/machines/bogus", "", []string{"id"}, []string{"bogus"})

	err := h.Delete(c)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestAssignAndReleaseSession(t *testing.T) {
	db := claimstore.NewMemStore()
	h := machines.New(&core.Deps{DB: db, Scheduler: scheduler.New(db)})
	_, c := doRequest(http.MethodPost, "/machines", `{"machine_id":"m1","slots":[0,1]}`, nil, nil)
	require.NoError(t, h.Create(c))
	require.NoError(t, db.InsertSession(context.Background(), &claimstore.Session{SessionID: "s1", Status: claimstore.SessionProvisioning}))

	rec, c2 := doRequest(http.MethodPost, "/machines/m1/assign-session", `{"session_id":"s1"}`, []string{"id"}, []string{"m1"})
	require.NoError(t, h.AssignSession(c2))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec2, c3 := doRequest(http.MethodPost, "/machines/m1/release-session", `{"session_id":"s1"}`, []string{"id"}, []string{"m1"})
	require.NoError(t, h.ReleaseSession(c3))
	assert.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestAvailableSortsByFreeSlotsDescending(t *testing.T) {
	db := claimstore.NewMemStore()
	h := machines.New(&core.Deps{DB: db, Scheduler: scheduler.New(db)})
	_, c := doRequest(http.MethodPost, "/machines", `{"machine_id":"busy","slots":[0,1]}`, nil, nil)
	require.NoError(t, h.Create(c))
	_, c2 := doRequest(http.MethodPost, "/machines", `{"machine_id":"free","slots":[0,1,2]}`, nil, nil)
	require.NoError(t, h.Create(c2))
	require.NoError(t, db.InsertSession(context.Background(), &claimstore.Session{SessionID: "s1", Status: claimstore.SessionProvisioning}))

	rec3, c3 := doRequest(http.MethodPost, "/machines/busy/assign-session", `{"session_id":"s1"}`, []string{"id"}, []string{"busy"})
	require.NoError(t, h.AssignSession(c3))
	_ = rec3

	rec, c4 := doRequest(http.MethodGet, "/machines/available", "", nil, nil)
	require.NoError(t, h.Available(c4))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Machines []map[string]any `json:"machines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Machines, 2)
	assert.Equal(t, "free", resp.Machines[0]["machine_id"])
}
