package master

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dlrover/dlrover-master/pkg/dataset"
	"github.com/dlrover/dlrover-master/pkg/metrics"
	"github.com/dlrover/dlrover-master/pkg/shard"
	"github.com/dlrover/dlrover-master/pkg/types"
)

// shardDTO is the wire form of types.Shard.
type shardDTO struct {
	Name          string `json:"name"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
	RecordIndices []int  `json:"record_indices,omitempty"`
}

func toShardDTO(sh types.Shard) *shardDTO {
	if sh.Name == "" && sh.End == 0 {
		return nil
	}
	return &shardDTO{Name: sh.Name, Start: sh.Start, End: sh.End, RecordIndices: sh.RecordIndices}
}

// taskDTO is the wire form of a Task response.
type taskDTO struct {
	TaskID       int       `json:"task_id"`
	TaskType     string    `json:"task_type"`
	Shard        *shardDTO `json:"shard,omitempty"`
	ModelVersion int64     `json:"model_version"`
}

func (s *Server) taskResponse(t types.Task) taskDTO {
	return taskDTO{TaskID: t.TaskID, TaskType: t.Type.String(), Shard: toShardDTO(t.Shard), ModelVersion: s.modelVersion()}
}

// --- get_task --------------------------------------------------------

type getTaskRequest struct {
	NodeType    types.NodeType `json:"node_type" binding:"required"`
	NodeID      int64          `json:"node_id"`
	DatasetName string         `json:"dataset_name" binding:"required"`
}

// getTask implements spec.md §4.5's get_task: the first call in the
// process initializes startTrainingTime; the WAIT/empty distinction is
// applied here, not in TaskManager, since it depends on the rendezvous
// server's presence and the current running-worker count.
func (s *Server) getTask(c *gin.Context) {
	var req getTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}

	s.mu.Lock()
	if s.startTrainingTime.IsZero() {
		s.startTrainingTime = time.Now()
	}
	s.mu.Unlock()

	s.TaskManager.ResetWorkerStartTaskTime(req.NodeID)

	t, ok := s.TaskManager.GetDatasetTask(req.NodeType, req.NodeID, req.DatasetName)
	if !ok {
		c.JSON(http.StatusOK, s.taskResponse(types.Task{Type: types.TaskNone}))
		return
	}
	if t.Type == types.TaskWait {
		onlyWorkerLeft := s.NodeManager != nil && len(s.NodeManager.GetRunningWorkers()) == 1
		if s.Rendezvous == nil || onlyWorkerLeft {
			c.JSON(http.StatusOK, s.taskResponse(t))
			return
		}
		c.JSON(http.StatusOK, s.taskResponse(types.Task{Type: types.TaskNone}))
		return
	}
	c.JSON(http.StatusOK, s.taskResponse(t))
}

// --- report_task_result -----------------------------------------------

type reportTaskResultRequest struct {
	NodeType    types.NodeType `json:"node_type" binding:"required"`
	NodeID      int64          `json:"node_id"`
	DatasetName string         `json:"dataset_name" binding:"required"`
	TaskID      int            `json:"task_id"`
	Success     bool           `json:"success"`
}

func (s *Server) reportTaskResult(c *gin.Context) {
	var req reportTaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}

	t, ok := s.TaskManager.ReportDatasetTask(req.DatasetName, req.TaskID, req.Success)
	if !ok {
		// Already-done or never-dispatched tasks are a no-op per §8's
		// idempotence property, not a protocol violation on their own;
		// only an unknown dataset is.
		if !s.TaskManager.IsDatasetInitialized(req.DatasetName) {
			writeError(c, newError(ErrUnknownDataset, "unknown dataset: "+req.DatasetName))
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	if t.Type == types.TaskPrediction {
		s.collectRuntimeStats()
		s.checkStartAutoScaleWorker()
	}
	s.maybeAutoScaleOnIdleTraining()

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// maybeAutoScaleOnIdleTraining implements the non-training autoscale
// trigger: if no global step has completed yet and seconds_to_autoscale_worker
// has elapsed since the first get_task call, kick off autoscaling once.
func (s *Server) maybeAutoScaleOnIdleTraining() {
	s.mu.Lock()
	if s.startAutoscale || s.startTrainingTime.IsZero() {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.startTrainingTime)
	noStepYet := s.PerfMonitor == nil || s.PerfMonitor.CompletedGlobalStep() == 0
	due := elapsed > s.cfg.Job.SecondsToAutoscaleWorker
	if !(noStepYet && due) {
		s.mu.Unlock()
		return
	}
	s.startAutoscale = true
	s.mu.Unlock()

	if s.NodeManager != nil {
		s.NodeManager.StartAutoScale()
	}
}

// checkStartAutoScaleWorker implements the sample-count autoscale
// trigger used by report_global_step and, after a PREDICTION result, by
// report_task_result.
func (s *Server) checkStartAutoScaleWorker() {
	s.mu.Lock()
	if s.startAutoscale || s.PerfMonitor == nil {
		s.mu.Unlock()
		return
	}
	if s.PerfMonitor.SampleCount() < s.cfg.Job.SampleCountToAdjustWorker {
		s.mu.Unlock()
		return
	}
	s.startAutoscale = true
	s.mu.Unlock()

	if s.NodeManager != nil {
		s.NodeManager.StartAutoScale()
	}
}

func (s *Server) collectRuntimeStats() {
	if s.Metrics == nil {
		return
	}
	stats := types.RuntimeStats{
		CompletedStep: s.TaskManager.TotalCompletedSteps(),
	}
	if s.PerfMonitor != nil {
		stats.GlobalStep = s.PerfMonitor.CompletedGlobalStep()
		stats.SampleCount = s.PerfMonitor.SampleCount()
		stats.RunningWorkers = s.PerfMonitor.RunningWorkerCount()
	}
	s.Metrics.CollectRuntimeStats(stats)
}

// --- report_dataset_shard_params ---------------------------------------

type reportDatasetShardParamsRequest struct {
	DatasetName string `json:"dataset_name" binding:"required"`
	BatchSize   int    `json:"batch_size"`
	DatasetSize int    `json:"dataset_size"`
	ShardSize   int    `json:"shard_size"`
	NumEpochs   int    `json:"num_epochs"`
	Shuffle     bool   `json:"shuffle"`
	StorageType string `json:"storage_type"`
	TaskType    string `json:"task_type"`
}

func parseStorageType(s string) types.StorageType {
	if s == "TABLE" {
		return types.StorageTable
	}
	return types.StorageText
}

func parseTaskType(s string) types.TaskType {
	switch s {
	case "EVALUATION":
		return types.TaskEvaluation
	case "PREDICTION":
		return types.TaskPrediction
	case "WAIT":
		return types.TaskWait
	case "NONE":
		return types.TaskNone
	default:
		return types.TaskTraining
	}
}

func (s *Server) reportDatasetShardParams(c *gin.Context) {
	var req reportDatasetShardParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}

	taskType := parseTaskType(req.TaskType)
	s.TaskManager.NewDataset(req.DatasetName, req.BatchSize, taskType, shard.Config{
		DatasetSize: req.DatasetSize,
		ShardSize:   req.ShardSize,
		NumEpochs:   req.NumEpochs,
		Shuffle:     req.Shuffle,
		StorageType: parseStorageType(req.StorageType),
	})
	if s.Metrics != nil {
		s.Metrics.ReportDatasetShardParams(req.DatasetName, req.ShardSize, req.NumEpochs, parseStorageType(req.StorageType))
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// --- shard checkpoints --------------------------------------------------

type datasetNameRequest struct {
	DatasetName string `json:"dataset_name" binding:"required"`
}

func (s *Server) getShardCheckpoint(c *gin.Context) {
	var req datasetNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	cp, ok := s.TaskManager.GetDatasetCheckpoint(req.DatasetName)
	if !ok {
		writeError(c, newError(ErrUnknownDataset, "unknown dataset: "+req.DatasetName))
		return
	}
	if s.Checkpoints != nil {
		if err := s.Checkpoints.Save(c.Request.Context(), cp); err != nil {
			s.logger.Warn("persist shard checkpoint failed", "dataset", req.DatasetName, "error", err)
		}
	}
	c.JSON(http.StatusOK, cp)
}

func (s *Server) reportShardCheckpoint(c *gin.Context) {
	var cp dataset.Checkpoint
	if err := c.ShouldBindJSON(&cp); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	ok := s.TaskManager.RestoreDatasetFromCheckpoint(cp)
	c.JSON(http.StatusOK, gin.H{"restored": ok})
}

func (s *Server) getDatasetEpoch(c *gin.Context) {
	name := c.Query("dataset_name")
	c.JSON(http.StatusOK, gin.H{"epoch": s.TaskManager.GetDatasetEpoch(name)})
}

// --- report_global_step -------------------------------------------------

type reportGlobalStepRequest struct {
	Step      int64   `json:"step"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) reportGlobalStep(c *gin.Context) {
	var req reportGlobalStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	ts := time.Unix(int64(req.Timestamp), 0)
	if s.PerfMonitor != nil {
		s.PerfMonitor.CollectGlobalStep(req.Step, ts)
	}
	s.collectRuntimeStats()
	s.checkStartAutoScaleWorker()
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// --- report_used_resource -----------------------------------------------

type reportUsedResourceRequest struct {
	NodeType    types.NodeType `json:"node_type" binding:"required"`
	NodeID      int64          `json:"node_id"`
	CPU         float64        `json:"cpu"`
	MemoryBytes int64          `json:"memory_bytes"`
}

func (s *Server) reportUsedResource(c *gin.Context) {
	var req reportUsedResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	if s.NodeManager != nil {
		s.NodeManager.UpdateNodeResourceUsage(req.NodeType, req.NodeID, req.CPU, req.MemoryBytes/(1024*1024))
	}
	if s.Metrics != nil {
		s.Metrics.ReportUsedResource(req.NodeType, req.NodeID, req.CPU, req.MemoryBytes)
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// --- report_model_metric -------------------------------------------------

func (s *Server) reportModelMetric(c *gin.Context) {
	var m metrics.ModelMetric
	if err := c.ShouldBindJSON(&m); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	if s.Metrics != nil {
		s.Metrics.ReportModelMetric(m)
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// --- rendezvous proxies ---------------------------------------------------

type rendezvousRequest struct {
	NodeType string `json:"node_type" binding:"required"`
	NodeID   int64  `json:"node_id"`
	Dialect  string `json:"dialect"`
}

func (s *Server) getCommRank(c *gin.Context) {
	var req rendezvousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	s.Rendezvous.AddProcess(req.NodeType, req.NodeID)
	info := s.Rendezvous.GetWorkerHostRank(req.NodeType, req.NodeID)
	c.JSON(http.StatusOK, gin.H{
		"dialect":        info.Dialect,
		"rank":           info.Rank,
		"local_rank":     info.LocalRank,
		"local_size":     info.LocalSize,
		"world_size":     s.Rendezvous.GetSize(),
		"rendezvous_id":  s.Rendezvous.GetRendezvousID(),
		"rendezvous_port": s.Rendezvous.GetRendezvousPort(),
	})
}

func (s *Server) resetSync(c *gin.Context) {
	s.Rendezvous.ResetSync()
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) barrierSync(c *gin.Context) {
	var req rendezvousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	reached := s.Rendezvous.BarrierSync(req.NodeType, req.NodeID)
	c.JSON(http.StatusOK, gin.H{"reached": reached})
}

func (s *Server) reportTrainingLoopStatus(c *gin.Context) {
	var req struct {
		NodeType string `json:"node_type"`
		NodeID   int64  `json:"node_id"`
		Status   string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	s.logger.Info("training loop status", "node_type", req.NodeType, "node_id", req.NodeID, "status", req.Status)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) reportPrestop(c *gin.Context) {
	var req rendezvousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	s.Rendezvous.ReportPrestop(req.NodeType, req.NodeID)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// --- PS lifecycle ---------------------------------------------------------

func (s *Server) getClusterVersion(c *gin.Context) {
	taskType := types.NodeType(c.Query("task_type"))
	c.JSON(http.StatusOK, gin.H{"version": s.ElasticPS.GetClusterVersion(taskType)})
}

func (s *Server) updateClusterVersion(c *gin.Context) {
	var req struct {
		TaskType types.NodeType `json:"task_type" binding:"required"`
		Version  int64          `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newError(ErrBadRequest, err.Error()))
		return
	}
	s.ElasticPS.UpdateClusterVersion(req.TaskType, req.Version)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) readyForPSRelaunch(c *gin.Context) {
	var req struct {
		Ready bool `json:"ready"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Ready {
		s.ElasticPS.SetReadyForPSRelaunch(true)
		if s.NodeManager != nil {
			s.NodeManager.PostPSReady()
		}
	}
	c.JSON(http.StatusOK, gin.H{"ready": s.ElasticPS.ReadyForPSRelaunch()})
}

func nodeMetaDTOs(nodes []types.NodeMeta) []gin.H {
	out := make([]gin.H, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, gin.H{
			"id":            n.ID,
			"type":          n.Type,
			"service_addr":  n.ServiceAddr,
			"status":        n.Status,
			"cpu":           n.Resource.CPU,
			"memory":        n.Resource.Memory,
			"relaunch_left": n.RelaunchLeft,
		})
	}
	return out
}

func (s *Server) queryPSNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": nodeMetaDTOs(s.NodeManager.GetNextClusterPS())})
}

func (s *Server) queryRunningNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": nodeMetaDTOs(s.NodeManager.GetRunningNodes())})
}

// queryTrainingStatus implements SPEC_FULL.md's supplemented
// query_training_status RPC: PENDING until the first TRAINING task is
// reported successful, START thereafter.
func (s *Server) queryTrainingStatus(c *gin.Context) {
	status := "PENDING"
	if s.TaskManager.TrainingStarted() {
		status = "START"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
