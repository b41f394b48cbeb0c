package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	httperr "github.com/mediapulse-io/mediapulse/internal/core/errors"
)

func newTestRouter(t *testing.T, store *fakeFactStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pipeline := newTestPipeline(t, store, nil)
	svc := NewService(pipeline, 1)

	r := gin.New()
	svc.RegisterRoutes(r)
	return r
}

func postBatch(r *gin.Engine, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/interactions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestLoadHandler_Success(t *testing.T) {
	store := newFakeFactStore()
	r := newTestRouter(t, store)

	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
		rawRecord("bad", "not-a-timestamp", "https://news.example.com/sports/article-7"),
	}
	body, err := json.Marshal(batch)
	require.NoError(t, err)

	resp := postBatch(r, body)
	require.Equal(t, http.StatusOK, resp.Code)

	var result v1.LoadResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.NotEmpty(t, result.LoadID)
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, 0, result.Duplicates)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, 1, result.Rejected[0].Index)
}

func TestLoadHandler_InvalidJSON(t *testing.T) {
	r := newTestRouter(t, newFakeFactStore())

	resp := postBatch(r, []byte("not json"))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidJsonError, errResp.ErrorType)
}

func TestLoadHandler_BodyTooLarge(t *testing.T) {
	r := newTestRouter(t, newFakeFactStore())

	// 1MB cap from NewService(pipeline, 1).
	oversized := bytes.Repeat([]byte("x"), 1024*1024+1)
	resp := postBatch(r, oversized)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidJsonError, errResp.ErrorType)
}

func TestLoadHandler_PartitionFaultIsRetryable(t *testing.T) {
	store := newFakeFactStore()
	store.failEnsure["interactions_y2025m03"] = errors.New("storage fault")
	r := newTestRouter(t, store)

	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
	}
	body, err := json.Marshal(batch)
	require.NoError(t, err)

	resp := postBatch(r, body)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpPartitionFault, errResp.ErrorType)
	require.True(t, errResp.Retryable)
}
