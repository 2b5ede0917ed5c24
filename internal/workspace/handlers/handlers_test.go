package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/db"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository/sqlite"
	"github.com/malamar-dev/malamar/internal/runner/registry"
	"github.com/malamar-dev/malamar/internal/workspace/service"
)

type fakeProc struct {
	kills atomic.Int32
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	return nil
}

func setupRouter(t *testing.T) (*gin.Engine, *sqlite.Repository, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	repo, err := sqlite.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	log := logger.NewNop()
	reg := registry.New(log)

	router := gin.New()
	RegisterRoutes(router, service.New(repo, log), reg, log)
	return router, repo, reg
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateWorkspaceValidation(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/workspaces", `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Static mode without a path is rejected.
	w = doRequest(router, http.MethodPost, "/api/v1/workspaces",
		`{"title":"W","workingDirMode":"static"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/workspaces",
		`{"title":"W","workingDirMode":"static","workingDirPath":"/srv/repo"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestUpdateWorkspacePartial(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/workspaces", `{"title":"W"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	w = doRequest(router, http.MethodPatch, "/api/v1/workspaces/"+ws.ID,
		`{"notifyOnError":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	var updated models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.True(t, updated.NotifyOnError)
	assert.Equal(t, "W", updated.Title, "unset fields stay untouched")
}

func TestDeleteWorkspaceKillsSubprocesses(t *testing.T) {
	router, repo, reg := setupRouter(t)
	ctx := context.Background()

	ws := &models.Workspace{Title: "W"}
	require.NoError(t, repo.CreateWorkspace(ctx, ws))
	task := &models.Task{WorkspaceID: ws.ID, Summary: "S"}
	require.NoError(t, repo.CreateTask(ctx, task))

	proc := &fakeProc{}
	reg.TrackTask(task.ID, ws.ID, proc)

	w := doRequest(router, http.MethodDelete, "/api/v1/workspaces/"+ws.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int32(1), proc.kills.Load())

	_, err := repo.GetWorkspace(ctx, ws.ID)
	assert.Error(t, err)
	_, err = repo.GetTask(ctx, task.ID)
	assert.Error(t, err, "tasks cascade with the workspace")
}

func TestDeleteMissingWorkspace(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := doRequest(router, http.MethodDelete, "/api/v1/workspaces/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
