package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	JWT        JWTConfig      `json:"jwt"`
	Auth       AuthConfig     `json:"auth"`
	API        APIConfig      `json:"api"`
	Log        LogConfig      `json:"log"`
	Job        JobConfig      `json:"job"`
	Node       NodeConfig     `json:"node"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Diagnosis  DiagnosisConfig  `json:"diagnosis"`
	Database   DatabaseConfig `json:"database"`
}

// NodeConfig declares the initial shape of each node-type group and the
// node manager's staleness/relaunch policy.
type NodeConfig struct {
	WorkerCount  int     `json:"worker_count"`
	WorkerCPU    float64 `json:"worker_cpu"`
	WorkerMemory int64   `json:"worker_memory"`

	PSCount  int     `json:"ps_count"`
	PSCPU    float64 `json:"ps_cpu"`
	PSMemory int64   `json:"ps_memory"`

	EvaluatorCount  int     `json:"evaluator_count"`
	EvaluatorCPU    float64 `json:"evaluator_cpu"`
	EvaluatorMemory int64   `json:"evaluator_memory"`

	ChiefCount  int     `json:"chief_count"`
	ChiefCPU    float64 `json:"chief_cpu"`
	ChiefMemory int64   `json:"chief_memory"`

	RelaunchBudget int           `json:"relaunch_budget"`
	StaleAfter     time.Duration `json:"stale_after"`

	RendezvousDialect string `json:"rendezvous_dialect"` // "horovod" | "DDP"
	RendezvousPort    int    `json:"rendezvous_port"`
}

// CheckpointConfig selects and configures the shard-checkpoint store.
type CheckpointConfig struct {
	Backend string `json:"backend"` // "file" | "postgres"
	Dir     string `json:"dir"`
}

// DiagnosisConfig configures the Atorch training-event tailer.
type DiagnosisConfig struct {
	Enabled        bool          `json:"enabled"`
	EventDir       string        `json:"event_dir"`
	LocalWorldSize int           `json:"local_world_size"`
	RetryTimeout   time.Duration `json:"retry_timeout"`
}

// LogConfig mirrors dlrover's logging environment contract.
type LogConfig struct {
	Level             string `json:"level"`
	RootDir           string `json:"root_dir"`
	RotateMaxBytes    int64  `json:"rotate_max_bytes"`
	RotateBackupCount int    `json:"rotate_backup_count"`
}

// JobConfig holds the tunables the task manager and resource optimizer
// consult directly.
type JobConfig struct {
	TaskProcessTimeout        time.Duration `json:"task_process_timeout"`
	SecondsToAutoscaleWorker  time.Duration `json:"seconds_to_autoscale_worker"`
	SampleCountToAdjustWorker int           `json:"sample_count_to_adjust_worker"`
	EasydlWorkerEnabled       bool          `json:"easydl_worker_enabled"`
	EasydlPSEnabled           bool          `json:"easydl_ps_enabled"`
	Optimizer                 string        `json:"optimizer"` // "local" | "brain"
	RetryTimeout              time.Duration `json:"retry_timeout"`
}

// DatabaseConfig holds optional persistence backends. Empty DSN/Addr
// means the in-memory/filesystem defaults are used instead.
type DatabaseConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
	RedisAddr   string `json:"redis_addr"`
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	SecretKey    string        `json:"secret_key"`
	ExpiryTime   time.Duration `json:"expiry_time"`
	RefreshTime  time.Duration `json:"refresh_time"`
	Issuer       string        `json:"issuer"`
	Audience     string        `json:"audience"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Listen      string          `json:"listen"`
	ListenAddr  string          `json:"listen_addr"`
	Port        int             `json:"port"`
	TLSEnabled  bool            `json:"tls_enabled"`
	CertFile    string          `json:"cert_file"`
	KeyFile     string          `json:"key_file"`
	MaxBodySize int64           `json:"max_body_size"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
	Cors        CorsConfig      `json:"cors"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled      bool          `json:"enabled"`
	Method       string        `json:"method"`
	TokenExpiry  time.Duration `json:"token_expiry"`
	SecretKey    string        `json:"secret_key"`
	RefreshTime  time.Duration `json:"refresh_time"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled     bool          `json:"enabled"`
	RequestsPer int           `json:"requests_per"`
	Duration    time.Duration `json:"duration"`
	BurstSize   int           `json:"burst_size"`
	// Legacy fields for backward compatibility
	RPS       int      `json:"rps"`
	Burst     int      `json:"burst"`
	WhiteList []string `json:"whitelist"`
}

// CorsConfig holds CORS configuration
type CorsConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		JWT: JWTConfig{
			SecretKey:   getEnvOrDefault("JWT_SECRET_KEY", "your-secret-key-change-this"),
			ExpiryTime:  24 * time.Hour,
			RefreshTime: 7 * 24 * time.Hour,
			Issuer:      "dlrover-master",
			Audience:    "dlrover-workers",
		},
		Auth: AuthConfig{
			Enabled:     getEnvBoolOrDefault("AUTH_ENABLED", true),
			Method:      getEnvOrDefault("AUTH_METHOD", "jwt"),
			TokenExpiry: 24 * time.Hour,
			SecretKey:   getEnvOrDefault("AUTH_SECRET_KEY", "your-secret-key-change-this"),
			RefreshTime: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen:      getEnvOrDefault("API_LISTEN", "0.0.0.0:8080"),
			ListenAddr:  getEnvOrDefault("API_LISTEN_ADDR", "0.0.0.0"),
			Port:        getEnvIntOrDefault("API_PORT", 8080),
			TLSEnabled:  getEnvBoolOrDefault("API_TLS_ENABLED", false),
			CertFile:    getEnvOrDefault("API_CERT_FILE", ""),
			KeyFile:     getEnvOrDefault("API_KEY_FILE", ""),
			MaxBodySize: int64(getEnvIntOrDefault("API_MAX_BODY_SIZE", 32*1024*1024)), // 32MB
			RateLimit: RateLimitConfig{
				Enabled:     getEnvBoolOrDefault("RATE_LIMIT_ENABLED", true),
				RequestsPer: getEnvIntOrDefault("RATE_LIMIT_REQUESTS", 100),
				Duration:    time.Minute,
				BurstSize:   getEnvIntOrDefault("RATE_LIMIT_BURST", 10),
			},
			Cors: CorsConfig{
				Enabled:          getEnvBoolOrDefault("CORS_ENABLED", true),
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: false,
			},
		},
		Log: LogConfig{
			Level:             getEnvOrDefault("LOG_LEVEL", "INFO"),
			RootDir:           getEnvOrDefault("LOG_ROOT_DIR", ""),
			RotateMaxBytes:    int64(getEnvIntOrDefault("LOG_ROTATE_MAX_BYTES", 200*1024*1024)),
			RotateBackupCount: getEnvIntOrDefault("LOG_ROTATE_BACKUP_COUNT", 5),
		},
		Job: JobConfig{
			TaskProcessTimeout:        time.Duration(getEnvIntOrDefault("TASK_PROCESS_TIMEOUT_SECONDS", 1800)) * time.Second,
			SecondsToAutoscaleWorker:  time.Duration(getEnvIntOrDefault("SECONDS_TO_AUTOSCALE_WORKER", 300)) * time.Second,
			SampleCountToAdjustWorker: getEnvIntOrDefault("SAMPLE_COUNT_TO_ADJUST_WORKER", 20),
			EasydlWorkerEnabled:       getEnvBoolOrDefault("EASYDL_WORKER_ENABLED", true),
			EasydlPSEnabled:           getEnvBoolOrDefault("EASYDL_PS_ENABLED", true),
			Optimizer:                 getEnvOrDefault("JOB_OPTIMIZER", "local"),
			RetryTimeout:              time.Duration(getEnvIntOrDefault("RETRY_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Node: NodeConfig{
			WorkerCount:  getEnvIntOrDefault("WORKER_COUNT", 4),
			WorkerCPU:    getEnvFloatOrDefault("WORKER_CPU", 4),
			WorkerMemory: int64(getEnvIntOrDefault("WORKER_MEMORY_MB", 8192)),

			PSCount:  getEnvIntOrDefault("PS_COUNT", 2),
			PSCPU:    getEnvFloatOrDefault("PS_CPU", 4),
			PSMemory: int64(getEnvIntOrDefault("PS_MEMORY_MB", 8192)),

			EvaluatorCount:  getEnvIntOrDefault("EVALUATOR_COUNT", 0),
			EvaluatorCPU:    getEnvFloatOrDefault("EVALUATOR_CPU", 0),
			EvaluatorMemory: int64(getEnvIntOrDefault("EVALUATOR_MEMORY_MB", 0)),

			ChiefCount:  getEnvIntOrDefault("CHIEF_COUNT", 0),
			ChiefCPU:    getEnvFloatOrDefault("CHIEF_CPU", 0),
			ChiefMemory: int64(getEnvIntOrDefault("CHIEF_MEMORY_MB", 0)),

			RelaunchBudget: getEnvIntOrDefault("NODE_RELAUNCH_BUDGET", 3),
			StaleAfter:     time.Duration(getEnvIntOrDefault("NODE_STALE_AFTER_SECONDS", 120)) * time.Second,

			RendezvousDialect: getEnvOrDefault("RENDEZVOUS_DIALECT", "DDP"),
			RendezvousPort:    getEnvIntOrDefault("RENDEZVOUS_PORT", 29500),
		},
		Checkpoint: CheckpointConfig{
			Backend: getEnvOrDefault("CHECKPOINT_BACKEND", "file"),
			Dir:     getEnvOrDefault("CHECKPOINT_DIR", "./checkpoints"),
		},
		Diagnosis: DiagnosisConfig{
			Enabled:        getEnvBoolOrDefault("ATORCH_DIAGNOSIS_ENABLED", false),
			EventDir:       getEnvOrDefault("ATORCH_EVENT_DIR", "./events"),
			LocalWorldSize: getEnvIntOrDefault("ATORCH_LOCAL_WORLD_SIZE", 1),
			RetryTimeout:   time.Duration(getEnvIntOrDefault("ATORCH_RETRY_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Database: DatabaseConfig{
			PostgresDSN: getEnvOrDefault("POSTGRES_DSN", ""),
			RedisAddr:   getEnvOrDefault("REDIS_ADDR", ""),
		},
	}
}

// Helper functions to get environment variables with defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return DefaultConfig()
}