// Package master implements the MasterServicer RPC surface (spec.md
// §4.5): the thread-safe dispatch point every worker and PS node talks
// to, mediating TaskManager, NodeManager, PerfMonitor, RendezvousServer,
// MetricCollector and ElasticPsService. Routes are HTTP+JSON via Gin,
// matching the teacher's own RPC surface (pkg/api/server.go) — spec.md
// §6 notes its RPC names are "semantic, not wire-level".
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dlrover/dlrover-master/internal/config"
	"github.com/dlrover/dlrover-master/pkg/checkpoint"
	"github.com/dlrover/dlrover-master/pkg/elasticps"
	"github.com/dlrover/dlrover-master/pkg/metrics"
	"github.com/dlrover/dlrover-master/pkg/nodemanager"
	"github.com/dlrover/dlrover-master/pkg/perfmonitor"
	"github.com/dlrover/dlrover-master/pkg/rendezvous"
	"github.com/dlrover/dlrover-master/pkg/resource"
	"github.com/dlrover/dlrover-master/pkg/taskmanager"
	"github.com/dlrover/dlrover-master/pkg/types"
)

// Server is the MasterServicer. Its own mutex guards only version,
// startTrainingTime and startAutoscale; every collaborator carries its
// own locking, per spec.md §4.5/§5.
type Server struct {
	mu               sync.Mutex
	version          int64
	startTrainingTime time.Time
	startAutoscale   bool

	cfg    *config.Config
	logger *slog.Logger

	jobUUID string

	TaskManager  *taskmanager.Manager
	JobOptimizer *resource.JobResourceOptimizer
	JobResource  *resource.JobResource
	NodeManager  *nodemanager.Manager
	PerfMonitor  *perfmonitor.Monitor
	Rendezvous   *rendezvous.Server
	ElasticPS    *elasticps.Service
	Metrics      *metrics.Collector
	Hub          *metrics.Hub
	Checkpoints  checkpoint.Store

	auth *AuthService

	httpServer *http.Server
}

// Deps bundles the collaborators a Server mediates between. A nil
// Checkpoints means get_shard_checkpoint returns checkpoints without
// persisting them; the auth secret is taken from cfg.Auth, not from Deps.
type Deps struct {
	TaskManager  *taskmanager.Manager
	JobOptimizer *resource.JobResourceOptimizer
	JobResource  *resource.JobResource
	NodeManager  *nodemanager.Manager
	PerfMonitor  *perfmonitor.Monitor
	Rendezvous   *rendezvous.Server
	ElasticPS    *elasticps.Service
	Metrics      *metrics.Collector
	Hub          *metrics.Hub
	Checkpoints  checkpoint.Store
}

// NewServer constructs a Server and generates a job UUID for it. The UUID
// is kept on the Server only; it is not passed to the resource optimizer.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	jobUUID := uuid.NewString()
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		jobUUID:      jobUUID,
		TaskManager:  deps.TaskManager,
		JobOptimizer: deps.JobOptimizer,
		JobResource:  deps.JobResource,
		NodeManager:  deps.NodeManager,
		PerfMonitor:  deps.PerfMonitor,
		Rendezvous:   deps.Rendezvous,
		ElasticPS:    deps.ElasticPS,
		Metrics:      deps.Metrics,
		Hub:          deps.Hub,
		Checkpoints:  deps.Checkpoints,
		auth:         NewAuthService(cfg.Auth.SecretKey, "dlrover-master", cfg.Auth.TokenExpiry),
	}
	if s.NodeManager != nil {
		s.NodeManager.SetAutoScaleFunc(s.applyAutoScalePlan)
		s.NodeManager.OnNodeDead(s.handleNodeDeath)
	}
	if s.TaskManager != nil {
		s.TaskManager.OnTaskTimeout(s.handleTaskTimeout)
	}
	return s
}

// handleNodeDeath is NodeManager's RecoveryHandler: every in-flight task
// the dead node held is requeued, its rendezvous membership is dropped,
// and it stops counting as a running worker for perf sampling.
func (s *Server) handleNodeDeath(nodeType types.NodeType, nodeID int64) {
	if s.TaskManager != nil {
		s.TaskManager.RecoverTasks(nodeType, nodeID)
	}
	if s.Rendezvous != nil {
		s.Rendezvous.RemoveProcess(string(nodeType), nodeID)
	}
	if s.PerfMonitor != nil {
		s.PerfMonitor.RemoveRunningWorker(nodeType, nodeID)
	}
}

// handleTaskTimeout is TaskManager's TimeoutCallback: log-only, since
// spec.md §4.2 names the callback contract but leaves its action to the
// registering collaborator (the original forwards it to a training-fault
// diagnosis channel, which is out of scope here).
func (s *Server) handleTaskTimeout(nodeID int64) {
	s.logger.Warn("evaluation task timed out", "node_id", nodeID)
}

// Router builds the Gin engine with middleware and every RPC route.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Log.Level != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(s.loggingMiddleware(), gin.Recovery(), s.corsMiddleware())
	if s.cfg.API.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware())
	}

	r.GET("/healthz", s.healthHandler)
	if s.Hub != nil {
		r.GET("/ws/metrics", s.wsHandler)
	}

	rpc := r.Group("/rpc")
	rpc.Use(s.authMiddleware())
	{
		rpc.POST("/get_task", s.getTask)
		rpc.POST("/report_task_result", s.reportTaskResult)
		rpc.POST("/report_dataset_shard_params", s.reportDatasetShardParams)
		rpc.POST("/get_shard_checkpoint", s.getShardCheckpoint)
		rpc.POST("/report_shard_checkpoint", s.reportShardCheckpoint)
		rpc.GET("/get_dataset_epoch", s.getDatasetEpoch)
		rpc.POST("/report_global_step", s.reportGlobalStep)
		rpc.POST("/report_used_resource", s.reportUsedResource)
		rpc.POST("/report_model_metric", s.reportModelMetric)
		rpc.POST("/get_comm_rank", s.getCommRank)
		rpc.POST("/reset_sync", s.resetSync)
		rpc.POST("/barrier_sync", s.barrierSync)
		rpc.POST("/report_training_loop_status", s.reportTrainingLoopStatus)
		rpc.POST("/report_prestop", s.reportPrestop)
		rpc.GET("/get_cluster_version", s.getClusterVersion)
		rpc.POST("/update_cluster_version", s.updateClusterVersion)
		rpc.POST("/ready_for_ps_relaunch", s.readyForPSRelaunch)
		rpc.GET("/query_ps_nodes", s.queryPSNodes)
		rpc.GET("/query_running_nodes", s.queryRunningNodes)
		rpc.GET("/query_training_status", s.queryTrainingStatus)
	}
	return r
}

// Serve starts the HTTP server and blocks until ctx is canceled or the
// server errors.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.API.Listen,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("master RPC surface listening", "address", s.cfg.API.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("master RPC surface: %w", err)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   s.modelVersion(),
	})
}

func (s *Server) wsHandler(c *gin.Context) {
	if err := s.Hub.ServeWS(c.Writer, c.Request); err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
	}
}

func (s *Server) modelVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// applyAutoScalePlan is NodeManager's AutoScaleFunc: it asks the job
// resource optimizer for the next plan and folds any resulting group
// resources back into JobResource. Errors degrade to "no change" per
// spec.md §7's optimizer-unavailable rule.
func (s *Server) applyAutoScalePlan() {
	plan, err := s.JobOptimizer.GetJobResourcePlan(context.Background())
	if err != nil {
		s.logger.Warn("autoscale plan request failed", "error", err)
		return
	}
	if plan == nil {
		return
	}
	for nodeType, g := range plan.NodeGroupResources {
		s.JobResource.UpdateNodeGroupResource(nodeType, g.Count, g.NodeResource.CPU, g.NodeResource.Memory)
	}
}

func writeError(c *gin.Context, err error) {
	if mErr, ok := err.(*Error); ok {
		c.JSON(mErr.httpStatus(), gin.H{"error": mErr.Kind, "message": mErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
}
