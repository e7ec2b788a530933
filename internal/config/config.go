package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds serve-mode settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// WebhookConfig holds run-completion notification settings.
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// PathsConfig locates the script tree, the dependency manifest, the
// playbook directory, and mutable state.
type PathsConfig struct {
	ScriptsDir  string
	Manifest    string
	PlaybookDir string
	StateDir    string
	WorkingDir  string
}

// RunConfig holds the one-shot execution request parsed from flags.
type RunConfig struct {
	Playbook        string
	Tasks           []string
	DryRun          bool
	Parallel        bool
	Concurrency     int
	ContinueOnError bool
	TaskTimeout     time.Duration
	Variables       map[string]string
}

// Config holds all runtime configuration for runbookd.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Webhook WebhookConfig
	Paths   PathsConfig
	Run     RunConfig

	Serve         bool
	MCP           bool
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7272"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// varFlags collects repeatable -var Name=Value overrides.
type varFlags map[string]string

func (v varFlags) String() string { return fmt.Sprintf("%v", map[string]string(v)) }

func (v varFlags) Set(s string) error {
	key, val, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("want Name=Value, got %q", s)
	}
	v[key] = val
	return nil
}

// Parse layers CLI flags over environment variables over an optional
// .env file over defaults, flags winning.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "runbook", ".env"))
	}
	_ = godotenv.Load(envFiles...) // optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("RUNBOOK_ADDR", defaultAddr),
			AuthToken: getEnvString("RUNBOOK_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("RUNBOOK_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("RUNBOOK_LOG_FORMAT", defaultLogFormat),
		},
		Webhook: WebhookConfig{
			URL:     getEnvString("RUNBOOK_WEBHOOK_URL", ""),
			Enabled: getEnvBool("RUNBOOK_WEBHOOK_ENABLED", false),
		},
		Paths: PathsConfig{
			ScriptsDir:  getEnvString("RUNBOOK_SCRIPTS_DIR", "scripts"),
			Manifest:    getEnvString("RUNBOOK_MANIFEST", ""),
			PlaybookDir: getEnvString("RUNBOOK_PLAYBOOK_DIR", "playbooks"),
			StateDir:    getEnvString("RUNBOOK_STATE_DIR", ""),
			WorkingDir:  getEnvString("RUNBOOK_WORKING_DIR", ""),
		},
		Run: RunConfig{
			Concurrency: getEnvInt("RUNBOOK_CONCURRENCY", 0),
			TaskTimeout: getEnvDuration("RUNBOOK_TASK_TIMEOUT", 0),
			Variables:   make(map[string]string),
		},
		UseUTC:        getEnvBool("RUNBOOK_USE_UTC", false),
		ShutdownGrace: getEnvDuration("RUNBOOK_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var (
		scriptsDir, manifest, playbookDir, stateDir, workingDir string
		addr, logLevel, logFormat                               string
		playbook, tasks                                         string
		shutdownGrace, taskTimeout                              time.Duration
		serve, mcp, dryRun, parallel, continueOnError, useUTC   bool
		concurrency                                             int
	)
	vars := varFlags(cfg.Run.Variables)

	flag.StringVar(&scriptsDir, "scripts", "", "Root directory of numbered automation scripts")
	flag.StringVar(&manifest, "manifest", "", "Path to the dependency manifest")
	flag.StringVar(&playbookDir, "playbooks", "", "Directory of playbook definitions")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for the database, reports and logs")
	flag.StringVar(&workingDir, "working-dir", "", "Working directory for launched scripts")
	flag.StringVar(&addr, "addr", "", "HTTP listen address for serve mode")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	flag.BoolVar(&serve, "serve", false, "Run the HTTP API and schedule dispatcher")
	flag.BoolVar(&mcp, "mcp", false, "Run the MCP stdio server")
	flag.BoolVar(&useUTC, "use-utc", false, "Evaluate cron schedules in UTC instead of local time")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.StringVar(&playbook, "playbook", "", "Name of the playbook to run")
	flag.StringVar(&tasks, "tasks", "", "Comma-separated task numbers for an ad hoc run")
	flag.BoolVar(&dryRun, "dry-run", false, "Resolve and validate without launching any task")
	flag.BoolVar(&parallel, "parallel", false, "Run parallel-eligible stages concurrently")
	flag.IntVar(&concurrency, "concurrency", 0, "Worker pool size for parallel stages")
	flag.BoolVar(&continueOnError, "continue-on-error", false, "Keep running after a task failure")
	flag.DurationVar(&taskTimeout, "task-timeout", 0, "Default per-task timeout")
	flag.Var(vars, "var", "Variable override Name=Value (repeatable)")

	flag.Parse()

	if scriptsDir != "" {
		cfg.Paths.ScriptsDir = scriptsDir
	}
	if manifest != "" {
		cfg.Paths.Manifest = manifest
	}
	if playbookDir != "" {
		cfg.Paths.PlaybookDir = playbookDir
	}
	if stateDir != "" {
		cfg.Paths.StateDir = stateDir
	}
	if workingDir != "" {
		cfg.Paths.WorkingDir = workingDir
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if concurrency > 0 {
		cfg.Run.Concurrency = concurrency
	}
	if taskTimeout > 0 {
		cfg.Run.TaskTimeout = taskTimeout
	}

	cfg.Serve = serve
	cfg.MCP = mcp
	cfg.Run.Playbook = playbook
	cfg.Run.DryRun = dryRun
	cfg.Run.Parallel = parallel
	cfg.Run.ContinueOnError = continueOnError
	if tasks != "" {
		for _, t := range strings.Split(tasks, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Run.Tasks = append(cfg.Run.Tasks, t)
			}
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.Paths.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.Paths.StateDir = dir
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "runbook")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
