package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuditRouter(t *testing.T) (*gin.Engine, *MemoryStore, *Log) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	log := NewLog(store)
	r := gin.New()
	NewHandler(log).RegisterRoutes(r.Group("/v1"))
	return r, store, log
}

func get(t *testing.T, r *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func TestHandler_Verify(t *testing.T) {
	r, store, log := setupAuditRouter(t)
	ctx := t.Context()

	require.NoError(t, log.Record(ctx, funded("esc_a")))
	require.NoError(t, log.Record(ctx, funded("esc_b")))

	code, resp := get(t, r, "/v1/audit/verify")
	require.Equal(t, http.StatusOK, code)
	v := resp["verification"].(map[string]any)
	assert.Equal(t, true, v["valid"])
	assert.EqualValues(t, 2, v["checked"])

	store.Tamper(1, func(e *Event) { e.Amount = decimal.NewFromInt(5) })

	code, resp = get(t, r, "/v1/audit/verify")
	require.Equal(t, http.StatusOK, code)
	v = resp["verification"].(map[string]any)
	assert.Equal(t, false, v["valid"])
	assert.EqualValues(t, 1, v["brokenAt"])
}

func TestHandler_EscrowEvents(t *testing.T) {
	r, _, log := setupAuditRouter(t)
	ctx := t.Context()

	require.NoError(t, log.Record(ctx, funded("esc_a")))
	require.NoError(t, log.Record(ctx, funded("esc_b")))
	require.NoError(t, log.Record(ctx, funded("esc_a")))

	code, resp := get(t, r, "/v1/audit/escrows/esc_a/events")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, resp["count"])

	code, resp = get(t, r, "/v1/audit/escrows/esc_none/events")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, resp["count"])
	assert.Equal(t, []any{}, resp["events"])
}
