package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/middlewares"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"bitbucket.org/mmdatafocus/marketplace_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var handlerNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	orders []models.Order
	tasks  []models.DeliveryTask
}

func (s *stubSource) StaleOrders(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if o.CreatedAt.Before(cutoff) && (o.Status == models.OrderStatusPending || o.Status == models.OrderStatusPaymentReceived) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *stubSource) StaleDeliveryTasks(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.DeliveryTask, error) {
	var out []models.DeliveryTask
	for _, t := range s.tasks {
		if t.CreatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubSource) StaleTransactions(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (s *stubSource) StaleActivityLogs(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.ActivityLog, error) {
	return nil, nil
}

type testServer struct {
	router *gin.Engine
	store  *workflow.MemoryAbandonedStore
	token  string
}

func newTestServer(t *testing.T, src *stubSource) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("API_SECRET", "handler-test-secret")
	for _, key := range []string{"GO_ENV", "PUBSUB_PUSH_AUDIENCE", "PUBSUB_PUSH_SERVICE_ACCOUNT", "PUBSUB_VERIFICATION_TOKEN"} {
		t.Setenv(key, "")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := workflow.NewMemoryAbandonedStore()
	m := workflow.NewAbandonedProcessManager(store, src, logger)
	m.Now = func() time.Time { return handlerNow }
	h := newAbandonedHandlers(m, logger, time.Minute)

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(customErrorLogger(logger))
	registerAbandonedRoutes(r, func() *abandonedHandlers { return h }, middlewares.OpsAuthMiddleware(), middlewares.PubSubAuthMiddleware())
	r.NoRoute(customNotFoundHandler)

	token, err := utils.JwtGenerate(1, "ops@marketplace", utils.RoleOperator)
	require.NoError(t, err)
	return &testServer{router: r, store: store, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func requireErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, code, body["code"])
	require.NotEmpty(t, body["error"])
}

func TestScanEndpoint(t *testing.T) {
	s := newTestServer(t, &stubSource{
		orders: []models.Order{{ID: 42, TotalAmount: decimal.NewFromInt(20), Status: models.OrderStatusPending, CreatedAt: handlerNow.Add(-30 * time.Hour)}},
		tasks:  []models.DeliveryTask{{ID: 7, Status: models.DeliveryTaskStatusAssigned, CreatedAt: handlerNow.Add(-50 * time.Hour)}},
	})

	w := s.do(t, http.MethodPost, "/internal/ops/abandoned/scan", map[string]any{"processTypes": []string{"order"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.EqualValues(t, 1, body["totalFound"])
	require.EqualValues(t, 1, body["totalNewDetections"])
	require.Equal(t, false, body["dryRun"])
	results := body["scanResults"].(map[string]any)
	require.Contains(t, results, "order")
	require.NotContains(t, results, "delivery_task")

	// no body scans every type
	w = s.do(t, http.MethodPost, "/internal/ops/abandoned/scan", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decodeBody(t, w)
	require.EqualValues(t, 1, body["totalNewDetections"])
	require.EqualValues(t, 1, body["totalAlreadyTracked"])
	require.Equal(t, 2, s.store.Len())
}

func TestScanEndpoint_Validation(t *testing.T) {
	s := newTestServer(t, &stubSource{})

	w := s.do(t, http.MethodPost, "/internal/ops/abandoned/scan", map[string]any{"processTypes": []string{"shipment"}})
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidProcessType)

	req := httptest.NewRequest(http.MethodPost, "/internal/ops/abandoned/scan", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	requireErrorCode(t, rec, http.StatusBadRequest, utils.CodeInvalidRequest)
}

func TestUpdateEndpoint(t *testing.T) {
	s := newTestServer(t, &stubSource{})
	rec := models.NewDetectedProcess(models.ProcessTypeOrder, 42, nil, handlerNow.Add(-time.Hour))
	s.store.Put(rec)
	path := "/internal/ops/abandoned/1"

	w := s.do(t, http.MethodPatch, path, map[string]any{"status": "notified"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, "notified", body["status"])
	require.NotNil(t, body["lastNotifiedAt"])

	w = s.do(t, http.MethodPatch, path, map[string]any{"status": "resolved"})
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeMissingResolutionAction)

	w = s.do(t, http.MethodPatch, path, map[string]any{"status": "archived"})
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidStatus)

	w = s.do(t, http.MethodPatch, path, map[string]any{"status": "resolved", "resolutionAction": "refunded"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decodeBody(t, w)
	require.Equal(t, "resolved", body["status"])
	require.Equal(t, "refunded", body["resolutionAction"])

	w = s.do(t, http.MethodPatch, path, map[string]any{"status": "escalated"})
	requireErrorCode(t, w, http.StatusConflict, utils.CodeAlreadyResolved)

	w = s.do(t, http.MethodPatch, "/internal/ops/abandoned/77", map[string]any{"status": "notified"})
	requireErrorCode(t, w, http.StatusNotFound, utils.CodeAbandonedNotFound)

	w = s.do(t, http.MethodPatch, "/internal/ops/abandoned/abc", map[string]any{"status": "notified"})
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidId)
}

func TestListAndGetEndpoints(t *testing.T) {
	s := newTestServer(t, &stubSource{})
	for i := 1; i <= 3; i++ {
		s.store.Put(models.NewDetectedProcess(models.ProcessTypeTransaction, i, models.TransactionSnapshot{
			Reference: "TX", Amount: decimal.NewFromInt(int64(i)), HoursStuck: 2,
		}, handlerNow.Add(-time.Duration(i)*time.Hour)))
	}

	w := s.do(t, http.MethodGet, "/internal/ops/abandoned?processType=transaction&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.EqualValues(t, 3, body["total"])
	require.EqualValues(t, 2, body["limit"])
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	require.EqualValues(t, 1, first["entityId"])
	meta := first["metadata"].(map[string]any)
	require.Equal(t, "TX", meta["reference"])

	w = s.do(t, http.MethodGet, "/internal/ops/abandoned?limit=-1", nil)
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidPagination)

	w = s.do(t, http.MethodGet, "/internal/ops/abandoned?offset=ten", nil)
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidPagination)

	w = s.do(t, http.MethodGet, "/internal/ops/abandoned?status=open", nil)
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidStatus)

	w = s.do(t, http.MethodGet, "/internal/ops/abandoned/2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.EqualValues(t, 2, decodeBody(t, w)["entityId"])

	w = s.do(t, http.MethodGet, "/internal/ops/abandoned/200", nil)
	requireErrorCode(t, w, http.StatusNotFound, utils.CodeAbandonedNotFound)
}

func TestCleanupEndpoint(t *testing.T) {
	s := newTestServer(t, &stubSource{})
	old := models.NewDetectedProcess(models.ProcessTypeOrder, 1, nil, handlerNow.AddDate(0, 0, -40))
	old.MarkResolved("cancelled", handlerNow.AddDate(0, 0, -31))
	s.store.Put(old)

	w := s.do(t, http.MethodPost, "/internal/ops/abandoned/cleanup", map[string]any{"olderThanDays": 0})
	requireErrorCode(t, w, http.StatusBadRequest, utils.CodeInvalidRetention)

	w = s.do(t, http.MethodPost, "/internal/ops/abandoned/cleanup", map[string]any{"dryRun": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.EqualValues(t, 1, decodeBody(t, w)["totalDeleted"])
	require.Equal(t, 1, s.store.Len())

	w = s.do(t, http.MethodPost, "/internal/ops/abandoned/cleanup", map[string]any{"processTypes": []string{"order"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.EqualValues(t, 1, body["totalDeleted"])
	require.Equal(t, 0, s.store.Len())
}

func TestExportEndpoint(t *testing.T) {
	s := newTestServer(t, &stubSource{})
	s.store.Put(models.NewDetectedProcess(models.ProcessTypeOrder, 1, nil, handlerNow))

	w := s.do(t, http.MethodGet, "/internal/ops/abandoned/export", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	require.NotEmpty(t, w.Body.Bytes())
}

func TestOpsAuth(t *testing.T) {
	s := newTestServer(t, &stubSource{})

	req := httptest.NewRequest(http.MethodGet, "/internal/ops/abandoned", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	requireErrorCode(t, w, http.StatusUnauthorized, utils.CodeUnauthorized)

	viewer, err := utils.JwtGenerate(2, "viewer", "viewer")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/internal/ops/abandoned", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	requireErrorCode(t, w, http.StatusUnauthorized, utils.CodeUnauthorized)

	hash, err := utils.HashOpsKey("s3cret-ops-key")
	require.NoError(t, err)
	t.Setenv("OPS_API_KEY_HASH", hash)

	req = httptest.NewRequest(http.MethodGet, "/internal/ops/abandoned", nil)
	req.Header.Set(middlewares.HeaderOpsKey, "wrong")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/internal/ops/abandoned", nil)
	req.Header.Set(middlewares.HeaderOpsKey, "s3cret-ops-key")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, w.Header().Get(middlewares.HeaderCorrelationId))
}

func pubsubEnvelope(t *testing.T, msg config.AbandonedScanMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	envelope := map[string]any{
		"message": map[string]any{
			"data": base64.StdEncoding.EncodeToString(data),
			"id":   "msg-1",
		},
		"subscription": "projects/p/subscriptions/abandoned-scan-push",
	}
	b, err := json.Marshal(envelope)
	require.NoError(t, err)
	return b
}

func TestScanPubSubEndpoint(t *testing.T) {
	s := newTestServer(t, &stubSource{
		orders: []models.Order{{ID: 42, Status: models.OrderStatusPending, CreatedAt: handlerNow.Add(-30 * time.Hour)}},
	})

	post := func(body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/pubsub/abandoned-scan", bytes.NewReader(body))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w := post(pubsubEnvelope(t, config.AbandonedScanMessage{ProcessTypes: []string{"order"}, RequestedBy: "scheduler"}))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, 1, s.store.Len())

	// invalid and malformed messages are acked, not retried
	w = post(pubsubEnvelope(t, config.AbandonedScanMessage{ProcessTypes: []string{"nope"}}))
	require.Equal(t, http.StatusNoContent, w.Code)
	w = post([]byte("garbage"))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, 1, s.store.Len())
}

func TestScanPubSubEndpointRequiresPushToken(t *testing.T) {
	s := newTestServer(t, &stubSource{
		orders: []models.Order{{ID: 42, Status: models.OrderStatusPending, CreatedAt: handlerNow.Add(-30 * time.Hour)}},
	})
	t.Setenv("PUBSUB_VERIFICATION_TOKEN", "push-secret")

	post := func(path string) *httptest.ResponseRecorder {
		body := pubsubEnvelope(t, config.AbandonedScanMessage{ProcessTypes: []string{"order"}})
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w := post("/pubsub/abandoned-scan")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = post("/pubsub/abandoned-scan?token=wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 0, s.store.Len())

	w = post("/pubsub/abandoned-scan?token=push-secret")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, 1, s.store.Len())
}

func TestScanPubSubEndpointClosedInProductionWithoutAuthConfig(t *testing.T) {
	s := newTestServer(t, &stubSource{
		orders: []models.Order{{ID: 42, Status: models.OrderStatusPending, CreatedAt: handlerNow.Add(-30 * time.Hour)}},
	})
	t.Setenv("GO_ENV", "production")

	body := pubsubEnvelope(t, config.AbandonedScanMessage{ProcessTypes: []string{"order"}})
	req := httptest.NewRequest(http.MethodPost, "/pubsub/abandoned-scan", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 0, s.store.Len())
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, &stubSource{})
	w := s.do(t, http.MethodGet, "/nowhere", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
