// Command dlrover-master runs the master coordination core: the task
// manager, job resource optimizer, and MasterServicer RPC surface that
// together coordinate an elastic distributed training job.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dlrover/dlrover-master/internal/applog"
	"github.com/dlrover/dlrover-master/internal/config"
	"github.com/dlrover/dlrover-master/pkg/checkpoint"
	"github.com/dlrover/dlrover-master/pkg/diagnosis"
	"github.com/dlrover/dlrover-master/pkg/elasticps"
	"github.com/dlrover/dlrover-master/pkg/master"
	"github.com/dlrover/dlrover-master/pkg/metrics"
	"github.com/dlrover/dlrover-master/pkg/nodemanager"
	"github.com/dlrover/dlrover-master/pkg/perfmonitor"
	"github.com/dlrover/dlrover-master/pkg/rendezvous"
	"github.com/dlrover/dlrover-master/pkg/resource"
	"github.com/dlrover/dlrover-master/pkg/taskmanager"
	"github.com/dlrover/dlrover-master/pkg/types"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dlrover-master",
		Short: "DLRover master coordination core",
		Long:  "dlrover-master coordinates shard dispatch, resource planning and worker rendezvous for an elastic distributed training job.",
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the master's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the master RPC surface and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := config.LoadConfig()
	logger := applog.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobResource := resource.NewJobResource()
	jobResource.AddNodeGroupResource(types.NodeTypeWorker, types.NodeGroupResource{
		Count:        cfg.Node.WorkerCount,
		NodeResource: types.NodeResource{CPU: cfg.Node.WorkerCPU, Memory: cfg.Node.WorkerMemory},
	})
	jobResource.AddNodeGroupResource(types.NodeTypePS, types.NodeGroupResource{
		Count:        cfg.Node.PSCount,
		NodeResource: types.NodeResource{CPU: cfg.Node.PSCPU, Memory: cfg.Node.PSMemory},
	})
	if cfg.Node.EvaluatorCount > 0 {
		jobResource.AddNodeGroupResource(types.NodeTypeEvaluator, types.NodeGroupResource{
			Count:        cfg.Node.EvaluatorCount,
			NodeResource: types.NodeResource{CPU: cfg.Node.EvaluatorCPU, Memory: cfg.Node.EvaluatorMemory},
		})
	}
	if cfg.Node.ChiefCount > 0 {
		jobResource.AddNodeGroupResource(types.NodeTypeChief, types.NodeGroupResource{
			Count:        cfg.Node.ChiefCount,
			NodeResource: types.NodeResource{CPU: cfg.Node.ChiefCPU, Memory: cfg.Node.ChiefMemory},
		})
	}

	optimizer := newOptimizer(cfg, logger)
	originalWorker, _ := jobResource.Get(types.NodeTypeWorker)
	originalPS, _ := jobResource.Get(types.NodeTypePS)
	jobOptimizer := resource.NewJobResourceOptimizer(optimizer, originalWorker, originalPS, cfg.Job.EasydlWorkerEnabled, cfg.Job.EasydlPSEnabled)
	if err := jobOptimizer.InitJobResource(ctx, jobResource); err != nil {
		logger.Warn("init job resource plan failed, continuing with declared defaults", "error", err)
	}

	nodes := jobResource.InitNodeMeta(cfg.Node.RelaunchBudget, func(t types.NodeType, id int64) string {
		return fmt.Sprintf("%s-%d.dlrover.svc:%d", t, id, cfg.Node.RendezvousPort)
	})
	nodeMgr := nodemanager.New(nodes, cfg.Node.StaleAfter, logger)

	perfMon := perfmonitor.New()
	taskMgr := taskmanager.New(cfg.Job.TaskProcessTimeout, perfMon, logger)

	rdzv := rendezvous.New(rendezvous.Dialect(cfg.Node.RendezvousDialect), cfg.Node.RendezvousPort)
	elasticPS := elasticps.New()

	hub := metrics.NewHub(logger)
	metricsCollector := metrics.NewCollector(hub, logger)

	store, err := newCheckpointStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}

	srv := master.NewServer(cfg, master.Deps{
		TaskManager:  taskMgr,
		JobOptimizer: jobOptimizer,
		JobResource:  jobResource,
		NodeManager:  nodeMgr,
		PerfMonitor:  perfMon,
		Rendezvous:   rdzv,
		ElasticPS:    elasticPS,
		Metrics:      metricsCollector,
		Hub:          hub,
		Checkpoints:  store,
	}, logger)

	taskMgr.Start()
	defer taskMgr.Stop()
	nodeMgr.Start()
	defer nodeMgr.Stop()

	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	if cfg.Diagnosis.Enabled {
		tailer := diagnosis.NewTailer(cfg.Diagnosis.EventDir, cfg.Diagnosis.LocalWorldSize, cfg.Diagnosis.RetryTimeout, eventLogReporter{logger}, logger)
		tailer.Start()
		defer tailer.Stop()
	}

	return srv.Serve(ctx)
}

func newOptimizer(cfg *config.Config, logger *slog.Logger) resource.Optimizer {
	if cfg.Job.Optimizer == "brain" {
		logger.Warn("brain optimizer selected but no recommender endpoint configured; falling back to local")
	}
	return resource.NewLocalOptimizer()
}

func newCheckpointStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (checkpoint.Store, error) {
	var store checkpoint.Store
	if cfg.Checkpoint.Backend == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("checkpoint backend postgres requires POSTGRES_DSN")
		}
		pg, err := checkpoint.NewPostgresStore(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		fs, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	if cfg.Database.RedisAddr == "" {
		return store, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Database.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis checkpoint cache unreachable, continuing without it", "address", cfg.Database.RedisAddr, "error", err)
		return store, nil
	}
	return checkpoint.NewCachedStore(store, client, 15*time.Minute, logger), nil
}

// eventLogReporter adapts diagnosis.Event onto structured logging; a
// full deployment would forward these into a training-fault diagnosis
// pipeline, which is out of scope here (spec.md §1).
type eventLogReporter struct{ logger *slog.Logger }

func (r eventLogReporter) ReportAtorchEvent(e diagnosis.Event) {
	r.logger.Info("atorch event",
		"target", e.Target, "name", e.Name, "phase", e.Phase,
		"step", e.Step, "timestamp", e.Timestamp)
}
