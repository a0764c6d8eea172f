package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deforger/marketplace-backend/internal/middleware"
	"deforger/marketplace-backend/pkg/account"
)

const anonymous = "2vxsx-fae"

func TestDirectoryRegisterWallet(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(zap.NewNop())

	_, err := d.PayoutPrincipal(ctx, "alice")
	assert.ErrorIs(t, err, ErrNoWallet)

	wallet, err := d.RegisterWallet(ctx, "alice", anonymous)
	require.NoError(t, err)
	assert.Equal(t, anonymous, wallet.Principal.String())

	principal, err := d.PayoutPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, principal.Equal(account.MustParsePrincipal(anonymous)))
}

func TestDirectoryRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(zap.NewNop())

	_, err := d.RegisterWallet(ctx, "", anonymous)
	assert.ErrorIs(t, err, ErrInvalidUserID)

	_, err = d.RegisterWallet(ctx, "alice", "2VXSX-FAE")
	assert.ErrorIs(t, err, account.ErrPrincipalNotCanonical)

	_, err = d.RegisterWallet(ctx, "alice", "not a principal")
	assert.Error(t, err)
}

func TestDirectorySnapshotRestore(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(zap.NewNop())
	_, err := d.RegisterWallet(ctx, "alice", anonymous)
	require.NoError(t, err)

	data, err := d.Snapshot()
	require.NoError(t, err)

	restored := NewDirectory(zap.NewNop())
	require.NoError(t, restored.Restore(data))

	principal, err := restored.PayoutPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, anonymous, principal.String())

	assert.Error(t, restored.Restore([]byte(`[{"user_id": ""}]`)))
}

func TestHandlerWallet(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set("user_id", "alice") })
	NewHandler(NewDirectory(zap.NewNop())).RegisterRoutes(router.Group("/api/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/me/wallet", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/users/me/wallet", strings.NewReader(`{"principal": "bogus"}`))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/v1/users/me/wallet", strings.NewReader(`{"principal": "`+anonymous+`"}`))
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, anonymous, body["principal"])
	assert.Equal(t, "alice", body["user_id"])
}

func TestHandlerWalletRequiresUser(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	NewHandler(NewDirectory(zap.NewNop())).RegisterRoutes(router.Group("/api/v1"), middleware.RequireUser())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/me/wallet", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/users/me/wallet", strings.NewReader(`{"principal": "`+anonymous+`"}`))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")
}
