package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peerledger/txsync/internal/config"
	"github.com/peerledger/txsync/internal/logger"
	"github.com/peerledger/txsync/internal/model"
	"github.com/peerledger/txsync/internal/repo"
	"github.com/peerledger/txsync/internal/service"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	svc := service.NewTxLogService(repository, log)
	return NewRouter(svc, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log)
}

func httpDo(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func txBody(from, to string, amount float64) map[string]interface{} {
	return map[string]interface{}{
		"id":        uuid.NewString(),
		"from":      from,
		"to":        to,
		"amount":    amount,
		"timestamp": 1700000000000,
		"signature": "sig_0",
		"status":    "pending",
	}
}

func TestCreateAndGetTransaction(t *testing.T) {
	r := setupRouter(t)

	body := txBody("endpoint-1", "endpoint-2", 42.5)
	w := httpDo(r, "POST", "/api/transactions", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httpDo(r, "GET", "/api/transactions/"+body["id"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "endpoint-1", got.FromEndpoint)
	require.Equal(t, "42.5", got.Amount.String())
}

func TestCreateTransaction_MalformedID(t *testing.T) {
	r := setupRouter(t)

	body := txBody("endpoint-1", "endpoint-2", 10)
	body["id"] = "nope"
	w := httpDo(r, "POST", "/api/transactions", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTransaction_NotFound(t *testing.T) {
	r := setupRouter(t)

	w := httpDo(r, "GET", "/api/transactions/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httpDo(r, "GET", "/api/transactions/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransactions(t *testing.T) {
	r := setupRouter(t)

	for i := 0; i < 3; i++ {
		w := httpDo(r, "POST", "/api/transactions", txBody("endpoint-1", "endpoint-2", float64(i+1)))
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := httpDo(r, "POST", "/api/transactions", txBody("endpoint-3", "endpoint-4", 99))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httpDo(r, "GET", "/api/transactions?endpoint=endpoint-2&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []model.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs, 2)
	for _, tx := range txs {
		require.Equal(t, "endpoint-2", tx.ToEndpoint)
	}
}

func TestStatsEndpoints(t *testing.T) {
	r := setupRouter(t)

	a := txBody("A", "B", 100)
	b := txBody("B", "C", 40)
	require.Equal(t, http.StatusCreated, httpDo(r, "POST", "/api/transactions", a).Code)
	require.Equal(t, http.StatusCreated, httpDo(r, "POST", "/api/transactions", b).Code)

	w := httpDo(r, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.TransactionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, int64(2), stats.TotalTransactions)
	require.Equal(t, "140", stats.TotalVolume.StringFixed(0))
	require.Equal(t, "70", stats.AverageTransaction.StringFixed(0))

	w = httpDo(r, "GET", "/api/endpoints/B/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var es model.EndpointStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &es))
	require.Equal(t, int64(2), es.TransactionCount)
	require.Equal(t, "60", es.BalanceChange.StringFixed(0))
}

func TestHealth(t *testing.T) {
	r := setupRouter(t)

	w := httpDo(r, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}
