package master

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlrover/dlrover-master/internal/config"
	"github.com/dlrover/dlrover-master/pkg/elasticps"
	"github.com/dlrover/dlrover-master/pkg/nodemanager"
	"github.com/dlrover/dlrover-master/pkg/perfmonitor"
	"github.com/dlrover/dlrover-master/pkg/rendezvous"
	"github.com/dlrover/dlrover-master/pkg/resource"
	"github.com/dlrover/dlrover-master/pkg/shard"
	"github.com/dlrover/dlrover-master/pkg/taskmanager"
	"github.com/dlrover/dlrover-master/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.SecretKey = ""
	cfg.API.RateLimit.Enabled = false
	cfg.API.Cors.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	jobResource := resource.NewJobResource()
	jobResource.AddNodeGroupResource(types.NodeTypeWorker, types.NodeGroupResource{
		Count: 2, NodeResource: types.NodeResource{CPU: 1, Memory: 1024},
	})
	nodes := jobResource.InitNodeMeta(3, func(t types.NodeType, id int64) string { return "" })
	nodeMgr := nodemanager.New(nodes, cfg.Node.StaleAfter, nil)

	perfMon := perfmonitor.New()
	taskMgr := taskmanager.New(cfg.Job.TaskProcessTimeout, perfMon, nil)
	rdzv := rendezvous.New(rendezvous.DialectDDP, cfg.Node.RendezvousPort)
	elasticPS := elasticps.New()

	optimizer := resource.NewLocalOptimizer()
	jobOptimizer := resource.NewJobResourceOptimizer(optimizer, types.NodeGroupResource{}, types.NodeGroupResource{}, false, false)

	srv := NewServer(cfg, Deps{
		TaskManager:  taskMgr,
		JobOptimizer: jobOptimizer,
		JobResource:  jobResource,
		NodeManager:  nodeMgr,
		PerfMonitor:  perfMon,
		Rendezvous:   rdzv,
		ElasticPS:    elasticPS,
	}, nil)
	return srv
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReturnsHealthy(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTaskReturnsNoneForUninitializedDataset(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/rpc/get_task", getTaskRequest{
		NodeType: types.NodeTypeWorker, NodeID: 0, DatasetName: "nope",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NONE", resp.TaskType)
}

func TestGetTaskReturnsAScheduledTaskAfterDatasetInit(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.TaskManager.NewDataset("train", 1, types.TaskTraining, shard.Config{DatasetSize: 10, ShardSize: 2, NumEpochs: 1})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/rpc/get_task", getTaskRequest{
		NodeType: types.NodeTypeWorker, NodeID: 1, DatasetName: "train",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TRAINING", resp.TaskType)
	require.NotNil(t, resp.Shard)
}

func TestReportTaskResultOnUnknownDatasetIsNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/rpc/report_task_result", reportTaskResultRequest{
		NodeType: types.NodeTypeWorker, NodeID: 1, DatasetName: "ghost", TaskID: 1, Success: true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportTaskResultIsIdempotentForADoneTask(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.TaskManager.NewDataset("train", 1, types.TaskTraining, shard.Config{DatasetSize: 10, ShardSize: 2, NumEpochs: 1})
	task, ok := srv.TaskManager.GetDatasetTask(types.NodeTypeWorker, 1, "train")
	require.True(t, ok)

	first := doJSON(t, srv.Router(), http.MethodPost, "/rpc/report_task_result", reportTaskResultRequest{
		NodeType: types.NodeTypeWorker, NodeID: 1, DatasetName: "train", TaskID: task.TaskID, Success: true,
	})
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp map[string]any
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	assert.Equal(t, true, firstResp["accepted"])

	second := doJSON(t, srv.Router(), http.MethodPost, "/rpc/report_task_result", reportTaskResultRequest{
		NodeType: types.NodeTypeWorker, NodeID: 1, DatasetName: "train", TaskID: task.TaskID, Success: true,
	})
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, false, secondResp["accepted"], "re-reporting an already-done task is a no-op, not an error")
}

func TestGetTaskBadRequestOnMissingRequiredField(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/rpc/get_task", map[string]any{"node_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddlewareRejectsMissingBearerTokenWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.SecretKey = "top-secret"
	srv := newTestServer(t, cfg)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/rpc/get_task", getTaskRequest{
		NodeType: types.NodeTypeWorker, NodeID: 1, DatasetName: "train",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsAValidBearerToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.SecretKey = "top-secret"
	srv := newTestServer(t, cfg)
	srv.TaskManager.NewDataset("train", 1, types.TaskTraining, shard.Config{DatasetSize: 10, ShardSize: 2, NumEpochs: 1})

	token, err := srv.auth.IssueToken(types.NodeTypeWorker, 1, "job-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc/get_task", bytes.NewReader(mustJSON(t, getTaskRequest{
		NodeType: types.NodeTypeWorker, NodeID: 1, DatasetName: "train",
	})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestQueryTrainingStatusIsPendingUntilATrainingTaskSucceeds(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.TaskManager.NewDataset("train", 1, types.TaskTraining, shard.Config{DatasetSize: 10, ShardSize: 2, NumEpochs: 1})

	rec := doJSON(t, srv.Router(), http.MethodGet, "/rpc/query_training_status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PENDING", resp["status"])

	task, ok := srv.TaskManager.GetDatasetTask(types.NodeTypeWorker, 1, "train")
	require.True(t, ok)
	_, ok = srv.TaskManager.ReportDatasetTask("train", task.TaskID, true)
	require.True(t, ok)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/rpc/query_training_status", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "START", resp["status"])
}

func TestGetCommRankReturnsRendezvousInfo(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/rpc/get_comm_rank", rendezvousRequest{
		NodeType: "worker", NodeID: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 0, resp["rank"])
	assert.EqualValues(t, 1, resp["world_size"])
}
