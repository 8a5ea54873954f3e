package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/graphloom/loom/config"
	"github.com/graphloom/loom/extract"
	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/graphstore"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/ingest"
	loomtesting "github.com/graphloom/loom/internal/testing"
	"github.com/graphloom/loom/monitor"
	"github.com/graphloom/loom/progress"
	"github.com/graphloom/loom/remedy"
	"github.com/graphloom/loom/tune"
)

type stubExtractor struct{}

func (s *stubExtractor) Extract(ctx context.Context, sourceRef string) (*extract.Result, error) {
	return &extract.Result{
		SourceRef: sourceRef,
		Entities: []extract.Entity{
			{Name: "Pump P-101", Kind: "equipment", Confidence: 0.9},
		},
		Confidence: 0.9,
	}, nil
}

func (s *stubExtractor) HealthCheck(ctx context.Context) error { return nil }

type stubGraph struct{}

func (s *stubGraph) Commit(ctx context.Context, m *graphstore.Mutations) error { return nil }
func (s *stubGraph) HealthCheck(ctx context.Context) error                     { return nil }

// testServer builds a full server over an in-memory database. The pipeline
// is not started; tests drive state through the stores directly.
func testServer(t *testing.T) *Server {
	t.Helper()

	dbConn := loomtesting.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	broadcaster := progress.NewBroadcaster(log)

	pcfg := ingest.Config{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		RetryPolicy:   guard.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2.0},
		BreakerConfig: guard.BreakerConfig{FailureThreshold: 50, Window: time.Minute, CoolDown: time.Minute},
	}
	pipeline := ingest.NewPipeline(context.Background(), dbConn, &stubExtractor{},
		&stubGraph{}, broadcaster, nil, pcfg, log)

	alerts := monitor.NewAlertStore(dbConn)
	mon := monitor.New(context.Background(), alerts, pipeline.Queue().Store(),
		[]*guard.Breaker{pipeline.ExtractBreaker(), pipeline.GraphBreaker()},
		config.MonitorConfig{SampleIntervalSeconds: 3600}, log)

	cfg := &config.Config{}
	cfg.Server.Port = 0

	srv := New(pipeline, broadcaster, mon, alerts,
		remedy.NewAttemptStore(dbConn), tune.NewChangeStore(dbConn), cfg, "", log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func testHTTP(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmitAndGetJob(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]string{"source_ref": "doc://manual.pdf"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job ingest.Job
	decodeJSON(t, resp, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "doc://manual.pdf", job.SourceRef)
	assert.Equal(t, ingest.StatusQueued, job.Status)

	resp, err := http.Get(ts.URL + "/api/jobs/" + job.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched ingest.Job
	decodeJSON(t, resp, &fetched)
	assert.Equal(t, job.ID, fetched.ID)
}

func TestSubmitJobRejectsEmptySourceRef(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]string{"source_ref": "  "})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobsWithStatusFilter(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	for _, ref := range []string{"doc://a", "doc://b"} {
		resp := postJSON(t, ts.URL+"/api/jobs", map[string]string{"source_ref": ref})
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/jobs?status=queued")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Jobs  []ingest.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decodeJSON(t, resp, &listing)
	assert.Equal(t, 2, listing.Count)

	resp, err = http.Get(ts.URL + "/api/jobs?status=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobStats(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]string{"source_ref": "doc://stats"})
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		ByStatus   map[string]int `json:"by_status"`
		QueueDepth int            `json:"queue_depth"`
	}
	decodeJSON(t, resp, &stats)
	assert.Equal(t, 1, stats.ByStatus["queued"])
	assert.Equal(t, 1, stats.QueueDepth)
}

func TestGetJobNotFound(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp, err := http.Get(ts.URL + "/api/jobs/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobProgressPoll(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]string{"source_ref": "doc://x"})
	var job ingest.Job
	decodeJSON(t, resp, &job)

	// Before any event is published the poll derives from the job record
	resp, err := http.Get(ts.URL + "/api/jobs/" + job.ID + "/progress")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var derived map[string]interface{}
	decodeJSON(t, resp, &derived)
	assert.Equal(t, "queued", derived["status"])

	srv.broadcaster.Publish(job.ID, "extracting", "running", 15, "extraction started", false)

	resp, err = http.Get(ts.URL + "/api/jobs/" + job.ID + "/progress")
	require.NoError(t, err)
	var event progress.Event
	decodeJSON(t, resp, &event)
	assert.Equal(t, "extracting", event.Stage)
	assert.Equal(t, uint64(1), event.Seq)
}

func TestDeadLetterListAndReprocess(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	job := ingest.NewJob("doc://broken")
	require.NoError(t, srv.pipeline.Queue().Enqueue(job))
	job.Stage = ingest.StageExtracting
	job.RecordFailure(faults.Markf(faults.Permanent, "extraction", "unsupported format"))
	dl, err := srv.pipeline.DeadLetters().Add(job)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/deadletters")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		DeadLetters []ingest.DeadLetter `json:"dead_letters"`
		Count       int                 `json:"count"`
	}
	decodeJSON(t, resp, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "doc://broken", listing.DeadLetters[0].SourceRef)

	resp = postJSON(t, ts.URL+"/api/deadletters/"+dl.ID+"/reprocess", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var replacement ingest.Job
	decodeJSON(t, resp, &replacement)
	assert.NotEqual(t, job.ID, replacement.ID)
	assert.Equal(t, "doc://broken", replacement.SourceRef)

	// Second reprocess of the same dead letter conflicts
	resp = postJSON(t, ts.URL+"/api/deadletters/"+dl.ID+"/reprocess", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReprocessUnknownDeadLetter(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp := postJSON(t, ts.URL+"/api/deadletters/missing/reprocess", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReport(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report monitor.Report
	decodeJSON(t, resp, &report)
	assert.True(t, report.Healthy)
	assert.Len(t, report.Circuits, 2)
}

func TestThresholdsRoundTrip(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	body := map[string]config.Threshold{
		"failure_rate": {Warning: 0.1, Critical: 0.3, SustainedSeconds: 60},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/thresholds", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got := srv.monitor.Thresholds()
	assert.Equal(t, 0.3, got["failure_rate"].Critical)

	resp, err = http.Get(ts.URL + "/api/thresholds")
	require.NoError(t, err)
	var fetched map[string]config.Threshold
	decodeJSON(t, resp, &fetched)
	assert.Equal(t, body, fetched)
}

func TestThresholdsRejectsInvalid(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	// Critical below warning is never valid
	data := []byte(`{"failure_rate": {"warning": 0.5, "critical": 0.1}}`)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/thresholds", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpointsEmpty(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	for _, path := range []string{"/api/alerts", "/api/recovery", "/api/optimizations"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)

		var listing map[string]interface{}
		decodeJSON(t, resp, &listing)
		assert.EqualValues(t, 0, listing["count"], path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t)
	srv.cfg.Server.AllowedOrigins = []string{"http://localhost"}
	ts := testHTTP(t, srv)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestProgressWebSocket(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]string{"source_ref": "doc://ws"})
	var job ingest.Job
	decodeJSON(t, resp, &job)

	// Publish before dialing; late subscribers receive the retained event
	srv.broadcaster.Publish(job.ID, "extracting", "running", 15, "extraction started", false)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + job.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first progress.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "extracting", first.Stage)
	assert.Equal(t, uint64(1), first.Seq)

	// The first read proves the subscription is live, so this is not racy
	srv.broadcaster.Publish(job.ID, "committing", "succeeded", 100, "job complete", true)

	var second progress.Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "committing", second.Stage)
	assert.True(t, second.Terminal)

	// After the terminal event the server closes the stream
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketUnknownJob(t *testing.T) {
	srv := testServer(t)
	ts := testHTTP(t, srv)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/no-such-job"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
