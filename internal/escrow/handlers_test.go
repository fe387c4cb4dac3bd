package escrow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/auth"
	"github.com/mbd888/taskpay/internal/ledger"
)

const adminSecret = "admin-test-secret"

// setupTestRouter mounts the routes the way the server does, with the
// caller's identity taken from the X-Test-User header.
func setupTestRouter(t *testing.T) (*gin.Engine, *Manager, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, l, _ := newTestManager()
	h := NewHandler(m)
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.RegisterProtectedRoutes(v1)
	h.RegisterInternalRoutes(r.Group("/internal", auth.RequireAdmin(adminSecret)))
	return r, m, l
}

func do(r http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	if strings.HasPrefix(path, "/internal") {
		req.Header.Set(auth.AdminSecretHeader, adminSecret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_FullTaskFlow(t *testing.T) {
	router, _, l := setupTestRouter(t)

	w := do(router, http.MethodPost, "/internal/tasks/task-1/reserve", "",
		`{"creatorId":"creator","amount":"80.00","currency":"USD","fundingReference":"chk_abc"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(router, http.MethodPost, "/v1/tasks/task-1/applications", "earner", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var applied struct {
		Application ledger.Application `json:"application"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &applied))
	appID := applied.Application.ID

	w = do(router, http.MethodPatch, "/v1/applications/"+appID+"/status", "earner", `{"status":"In Progress"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Approving before completion is refused and moves no money.
	w = do(router, http.MethodPost, "/v1/tasks/task-1/applications/"+appID+"/approve", "creator", "")
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "task_not_completed")

	w = do(router, http.MethodPatch, "/v1/applications/"+appID+"/status", "earner", `{"status":"Completed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, http.MethodPost, "/v1/tasks/task-1/applications/"+appID+"/approve", "creator", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rel Release
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rel))
	assert.True(t, rel.Wallet.Balance.Equal(d("80")))

	w = do(router, http.MethodPost, "/v1/tasks/task-1/applications/"+appID+"/approve", "creator", "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "no_reserved_funds")

	wallet, err := l.GetWallet(t.Context(), "earner")
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d("80")))
}

func TestHandler_ApproveByNonCreator(t *testing.T) {
	router, m, _ := setupTestRouter(t)

	_, err := m.Reserve(t.Context(), ReserveRequest{TaskID: "task-2", CreatorID: "creator", Amount: d("5"), Currency: "USD"})
	require.NoError(t, err)
	app := completedApplication(t, m, "task-2", "earner")

	w := do(router, http.MethodPost, "/v1/tasks/task-2/applications/"+app.ID+"/approve", "earner", "")
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	w = do(router, http.MethodPost, "/v1/tasks/task-2/applications/"+app.ID+"/reject", "intruder", "")
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestHandler_Reject(t *testing.T) {
	router, m, _ := setupTestRouter(t)

	_, err := m.Reserve(t.Context(), ReserveRequest{TaskID: "task-3", CreatorID: "creator", Amount: d("5"), Currency: "USD"})
	require.NoError(t, err)
	app := completedApplication(t, m, "task-3", "earner")

	w := do(router, http.MethodPost, "/v1/tasks/task-3/applications/"+app.ID+"/reject", "creator", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"reviewStatus":"Rejected"`)
}

func TestHandler_UpdateStatusValidation(t *testing.T) {
	router, m, _ := setupTestRouter(t)

	app, err := m.Apply(t.Context(), "task-4", "earner")
	require.NoError(t, err)

	w := do(router, http.MethodPatch, "/v1/applications/"+app.ID+"/status", "earner", `{"status":"Done"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, http.MethodPatch, "/v1/applications/"+app.ID+"/status", "earner", `{"status":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, http.MethodPatch, "/v1/applications/"+app.ID+"/status", "earner", `{"status":"Completed"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(router, http.MethodPatch, "/v1/applications/"+app.ID+"/status", "other", `{"status":"In Progress"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_InternalRoutesRequireSecret(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/tasks/task-5/release-back", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ReleaseBack(t *testing.T) {
	router, m, _ := setupTestRouter(t)

	_, err := m.Reserve(t.Context(), ReserveRequest{TaskID: "task-6", CreatorID: "creator", Amount: d("9"), Currency: "USD"})
	require.NoError(t, err)

	w := do(router, http.MethodGet, "/v1/tasks/task-6/reservation", "creator", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(router, http.MethodGet, "/v1/tasks/task-6/reservation", "stranger", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/internal/tasks/task-6/release-back", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(router, http.MethodPost, "/internal/tasks/task-6/release-back", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
