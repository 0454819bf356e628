// Package config provides configuration loading for the orchestration engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeploymentMode selects how the Workspace Isolator drops privileges.
type DeploymentMode string

const (
	// ModeMonoUser runs every workspace as the current process uid (no privilege drop).
	ModeMonoUser DeploymentMode = "mono_user"
	// ModeMultiUser demotes to a per-workspace POSIX uid/gid via runuser.
	ModeMultiUser DeploymentMode = "multi_user"
)

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	StorageSQLite StorageBackend = "sqlite"
	StorageRedis  StorageBackend = "redis"
)

// Config holds all configuration values for the orchestration engine.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	WSReadBufferSize  int
	WSWriteBufferSize int
	WSPingInterval    time.Duration

	// Auth (validation only — issuance is out of scope)
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string
	RequireAuth  bool

	// Deployment / isolation
	DeploymentMode    DeploymentMode
	WorkspaceHomeBase string
	WorkspaceRootDir  string
	WorkspaceUIDMin   int
	WorkspaceUIDMax   int
	RootHelperPath    string

	// Storage backend
	StorageBackend StorageBackend
	SQLitePath     string
	RedisURL       string

	// Session GC
	SessionIdleTTL    time.Duration
	SessionMaxTTL     time.Duration
	SessionGCInterval time.Duration
	SessionMaxCount   int

	// Worktree defaults
	MaxWorktreesPerWorkspace int
	WorktreeExecTimeout      time.Duration
	DiffDebounce             time.Duration

	// Agent supervisor
	AgentInitTimeout      time.Duration
	AgentMaxRestartAttemp int
	AgentSuspendAfter     time.Duration

	// Git identity defaults
	DefaultGitAuthorName  string
	DefaultGitAuthorEmail string
	GitHooksDir           string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("VIBE80_PORT", 8080),
		Host:           getEnv("VIBE80_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 25*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "workspace-terminal"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		RequireAuth:  getEnvBool("VIBE80_REQUIRE_AUTH", true),

		DeploymentMode:    DeploymentMode(getEnv("DEPLOYMENT_MODE", string(ModeMonoUser))),
		WorkspaceHomeBase: getEnv("WORKSPACE_HOME_BASE", "/home"),
		WorkspaceRootDir:  getEnv("WORKSPACE_ROOT_DIRECTORY", "/srv/vibe80/workspaces"),
		WorkspaceUIDMin:   getEnvInt("WORKSPACE_UID_MIN", 20000),
		WorkspaceUIDMax:   getEnvInt("WORKSPACE_UID_MAX", 59999),
		RootHelperPath:    getEnv("VIBE80_ROOT_HELPER_PATH", "/usr/local/bin/vibe80-root-helper"),

		StorageBackend: StorageBackend(getEnv("STORAGE_BACKEND", string(StorageSQLite))),
		SQLitePath:     getEnv("SQLITE_PATH", "/var/lib/vibe80/engine.db"),
		RedisURL:       getEnv("REDIS_URL", ""),

		SessionIdleTTL:    getEnvDuration("VIBE80_SESSION_IDLE_TTL_SECONDS_DURATION", 0),
		SessionMaxTTL:     getEnvDuration("VIBE80_SESSION_MAX_TTL_SECONDS_DURATION", 0),
		SessionGCInterval: getEnvDuration("VIBE80_SESSION_GC_INTERVAL_MS_DURATION", 5*time.Minute),
		SessionMaxCount:   getEnvInt("SESSION_MAX_COUNT", 100),

		MaxWorktreesPerWorkspace: getEnvInt("MAX_WORKTREES_PER_WORKSPACE", 20),
		WorktreeExecTimeout:      getEnvDuration("WORKTREE_EXEC_TIMEOUT", 60*time.Second),
		DiffDebounce:             getEnvDuration("DIFF_DEBOUNCE", 500*time.Millisecond),

		AgentInitTimeout:      getEnvDuration("ACP_INIT_TIMEOUT", 30*time.Second),
		AgentMaxRestartAttemp: getEnvInt("ACP_MAX_RESTART_ATTEMPTS", 3),
		AgentSuspendAfter:     getEnvDuration("VIBE80_AGENT_SUSPEND_SECONDS_DURATION", 10*time.Minute),

		DefaultGitAuthorName:  getEnv("VIBE80_DEFAULT_GIT_AUTHOR_NAME", "vibe80-agent"),
		DefaultGitAuthorEmail: getEnv("VIBE80_DEFAULT_GIT_AUTHOR_EMAIL", "agent@vibe80.invalid"),
		GitHooksDir:           getEnv("GIT_HOOKS_DIR", ""),
	}

	// VIBE80_SESSION_IDLE_TTL_SECONDS / _MAX_TTL_SECONDS / _GC_INTERVAL_MS are the
	// canonical env vars (spec.md §6); accept plain seconds/ms integers in addition
	// to the Go-duration-string overrides above, mirroring the teacher's layered
	// getEnv* helper style (explicit override wins, then the derived default).
	if v := getEnvInt("VIBE80_SESSION_IDLE_TTL_SECONDS", -1); v >= 0 {
		cfg.SessionIdleTTL = time.Duration(v) * time.Second
	}
	if v := getEnvInt("VIBE80_SESSION_MAX_TTL_SECONDS", -1); v >= 0 {
		cfg.SessionMaxTTL = time.Duration(v) * time.Second
	}
	if v := getEnvInt("VIBE80_SESSION_GC_INTERVAL_MS", -1); v >= 0 {
		cfg.SessionGCInterval = time.Duration(v) * time.Millisecond
	}

	if cfg.DeploymentMode != ModeMonoUser && cfg.DeploymentMode != ModeMultiUser {
		return nil, fmt.Errorf("DEPLOYMENT_MODE must be %q or %q, got %q", ModeMonoUser, ModeMultiUser, cfg.DeploymentMode)
	}

	if cfg.StorageBackend != StorageSQLite && cfg.StorageBackend != StorageRedis {
		return nil, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageSQLite, StorageRedis, cfg.StorageBackend)
	}

	if cfg.StorageBackend == StorageRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND=redis")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
