package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autobuy-bot/internal/database"
	"autobuy-bot/internal/events"
	"autobuy-bot/internal/models"
	"autobuy-bot/internal/monitor"
	"autobuy-bot/internal/pin"
	"autobuy-bot/internal/trigger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type steadyPrice float64

func (p steadyPrice) FetchPrice(ctx context.Context, url string) (float64, error) {
	return float64(p), nil
}

func (p steadyPrice) DetectFlashSale(ctx context.Context, url string) (models.FlashSaleInfo, error) {
	return models.FlashSaleInfo{}, nil
}

type noBuyer struct{}

func (noBuyer) Prepare(ctx context.Context, p models.MonitoredProduct) error  { return nil }
func (noBuyer) Purchase(ctx context.Context, p models.MonitoredProduct) error { return nil }
func (noBuyer) Release(productID string)                                      {}

type shopeeOnly struct{}

func (shopeeOnly) CanHandle(url string) bool { return strings.Contains(url, "shopee") }

func (shopeeOnly) GetName(ctx context.Context, url string) (string, error) { return "Shopee item", nil }

func newTestRouter(t *testing.T, token string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := monitor.New(db, steadyPrice(900), noBuyer{}, trigger.New(0), events.NewBus(), monitor.Options{DefaultInterval: time.Hour})
	t.Cleanup(m.Close)

	var vault *pin.Vault
	svc := monitor.NewService(db, m, shopeeOnly{}, vault, 0)
	return NewRouter(NewHandler(svc), token)
}

func do(r http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProductLifecycle(t *testing.T) {
	r := newTestRouter(t, "")
	// keep background polling out of the way of the manual check below
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/monitoring/pause", "").Code)

	w := do(r, http.MethodPost, "/api/v1/products", `{"url":"https://shopee.co.id/x-i.1.2","monitor_type":"below","price":500}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.MonitoredProduct
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 500.0, created.BelowPrice)
	assert.Equal(t, models.StatusActive, created.Status)

	w = do(r, http.MethodGet, "/api/v1/products", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.MonitoredProduct
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = do(r, http.MethodPost, "/api/v1/products/"+created.ID+"/check", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var checked struct {
		Product models.MonitoredProduct `json:"product"`
		Result  struct {
			Price     float64 `json:"price"`
			Triggered bool    `json:"triggered"`
			Phase     string  `json:"phase"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checked))
	assert.Equal(t, 900.0, checked.Result.Price)
	assert.False(t, checked.Result.Triggered)
	assert.Equal(t, "normal", checked.Result.Phase)

	w = do(r, http.MethodPost, "/api/v1/products/"+created.ID+"/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"waiting"`)

	w = do(r, http.MethodDelete, "/api/v1/products/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodGet, "/api/v1/products/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProductValidation(t *testing.T) {
	r := newTestRouter(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"missing price", `{"url":"https://shopee.co.id/x","monitor_type":"below"}`},
		{"unknown type", `{"url":"https://shopee.co.id/x","monitor_type":"cheapest","price":5}`},
		{"other store", `{"url":"https://example.com/x","monitor_type":"below","price":5}`},
		{"negative price", `{"url":"https://shopee.co.id/x","monitor_type":"strict","price":-5}`},
		{"not json", `url=x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/products", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := do(r, http.MethodGet, "/api/v1/products", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestSettingsEndpoints(t *testing.T) {
	r := newTestRouter(t, "")

	w := do(r, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"installment_months":6`)
	assert.Contains(t, w.Body.String(), `"pin_set":false`)

	w = do(r, http.MethodPut, "/api/v1/settings", `{"installment_months":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/api/v1/settings", `{"installment_months":3,"use_spaylater":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"installment_months":3`)
	assert.Contains(t, w.Body.String(), `"use_spaylater":false`)

	// no PIN_SECRET configured
	w = do(r, http.MethodPut, "/api/v1/settings", `{"pin":"123456"}`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.NotContains(t, w.Body.String(), "123456")
}

func TestMonitoringPauseResume(t *testing.T) {
	r := newTestRouter(t, "")

	w := do(r, http.MethodPost, "/api/v1/monitoring/pause", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/monitoring", "")
	assert.JSONEq(t, `{"paused":true}`, w.Body.String())

	w = do(r, http.MethodPost, "/api/v1/monitoring/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodGet, "/api/v1/monitoring", "")
	assert.JSONEq(t, `{"paused":false}`, w.Body.String())
}

func TestBearerToken(t *testing.T) {
	r := newTestRouter(t, "s3cret")

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/products", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/products", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/products", "", "Authorization", "Bearer s3cret").Code)
}
