package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/groundtruth/internal/config"
	"github.com/sells-group/groundtruth/internal/model"
)

func TestServer_Healthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewCollector(Sources{}), config.MonitoringConfig{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Status(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewCollector(fullSources()), config.MonitoringConfig{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap MetricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "run-1", snap.Progress.RunID)
	assert.Equal(t, 40, snap.Progress.Processed)
	assert.Equal(t, []string{"hard"}, snap.DisabledQueries)
	require.NotNil(t, snap.Pool)
	assert.Empty(t, snap.Pool.Active.Key)
}

func TestServer_QueryState(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewCollector(fullSources()), config.MonitoringConfig{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/queries/hard")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.QueryGateState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 100, st.ItemsSeen)
	assert.True(t, st.Disabled)
}

func TestServer_QueryStateUnescapesName(t *testing.T) {
	src := Sources{Gate: stubGate{states: map[string]model.QueryGateState{
		"bars w/ music": {Query: "bars w/ music", ItemsSeen: 7},
	}}}
	srv := httptest.NewServer(NewServer(NewCollector(src), config.MonitoringConfig{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/queries/bars%20w%2F%20music")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.QueryGateState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "bars w/ music", st.Query)
	assert.Equal(t, 7, st.ItemsSeen)
}

func TestServer_QueryStatePlainPercent(t *testing.T) {
	src := Sources{Gate: stubGate{}}
	srv := httptest.NewServer(NewServer(NewCollector(src), config.MonitoringConfig{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/queries/100%25")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.QueryGateState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "100%", st.Query)
}

func TestServer_QueryStateWithoutGate(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewCollector(Sources{}), config.MonitoringConfig{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/queries/hard")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_CORS(t *testing.T) {
	handler := NewServer(NewCollector(Sources{}), config.MonitoringConfig{
		AllowedOrigins: []string{"https://dash.example.com"},
	}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://elsewhere.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_UnknownRoute(t *testing.T) {
	handler := NewServer(NewCollector(Sources{}), config.MonitoringConfig{}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
