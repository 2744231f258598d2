// Package config assembles the server configuration from defaults, an
// optional .env file, VERIFY_-prefixed environment variables and finally
// command-line flags, later layers overriding earlier ones.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/oslc"
)

// Defaults mirror the historical server flags.
const (
	DefaultPort           = 6080
	DefaultIP             = "0.0.0.0"
	DefaultMetricsPort    = 9155
	DefaultToolkitFile    = "toolkit.xml"
	DefaultWorkspaceRoot  = "./workspaces/"
	DefaultReportDir      = "./archiveReports"
	DefaultFileDir        = "./archiveFiles"
	DefaultHistoryPath    = "./history.db"
	DefaultIdleTimeout    = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultObserveTick    = time.Second
	DefaultMonitorTimeout = time.Minute
)

// Config carries every runtime knob of the server.
type Config struct {
	IP          string
	Port        int
	MetricsPort int
	// Threads caps GOMAXPROCS when positive; zero uses every core.
	Threads int

	ToolkitFile   string
	WorkspaceRoot string
	ReportDir     string
	FileDir       string
	HistoryPath   string

	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	ObserveTick    time.Duration
	MonitorTimeout time.Duration

	Creator string
	// RedactPatterns are regexps stripped from the monitoring document's
	// error-output value. Configured as a semicolon-separated list.
	RedactPatterns []string

	LogLevel  string
	LogFormat string
}

// Load builds the configuration from defaults, a .env file in the working
// directory when present, and VERIFY_ environment variables. Flag overrides
// happen in the command layer after Load.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		IP:             DefaultIP,
		Port:           DefaultPort,
		MetricsPort:    DefaultMetricsPort,
		ToolkitFile:    DefaultToolkitFile,
		WorkspaceRoot:  DefaultWorkspaceRoot,
		ReportDir:      DefaultReportDir,
		FileDir:        DefaultFileDir,
		HistoryPath:    DefaultHistoryPath,
		IdleTimeout:    DefaultIdleTimeout,
		SweepInterval:  DefaultSweepInterval,
		ObserveTick:    DefaultObserveTick,
		MonitorTimeout: DefaultMonitorTimeout,
		Creator:        oslc.DefaultCreator,
		RedactPatterns: []string{oslc.DefaultRedactPattern},
		LogLevel:       "info",
		LogFormat:      "auto",
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VERIFY_IP"); v != "" {
		c.IP = v
	}
	applyIntEnv("VERIFY_PORT", &c.Port)
	applyIntEnv("VERIFY_METRICS_PORT", &c.MetricsPort)
	applyIntEnv("VERIFY_THREADS", &c.Threads)
	if v := os.Getenv("VERIFY_TOOLKIT_FILE"); v != "" {
		c.ToolkitFile = v
	}
	if v := os.Getenv("VERIFY_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("VERIFY_ARCHIVE_REPORTS_DIR"); v != "" {
		c.ReportDir = v
	}
	if v := os.Getenv("VERIFY_ARCHIVE_FILES_DIR"); v != "" {
		c.FileDir = v
	}
	if v := os.Getenv("VERIFY_HISTORY_PATH"); v != "" {
		c.HistoryPath = v
	}
	applyDurationEnv("VERIFY_IDLE_TIMEOUT", &c.IdleTimeout)
	applyDurationEnv("VERIFY_SWEEP_INTERVAL", &c.SweepInterval)
	applyDurationEnv("VERIFY_OBSERVE_TICK", &c.ObserveTick)
	applyDurationEnv("VERIFY_MONITOR_TIMEOUT", &c.MonitorTimeout)
	if v := os.Getenv("VERIFY_REPORT_CREATOR"); v != "" {
		c.Creator = v
	}
	if v := os.Getenv("VERIFY_REDACT_PATTERNS"); v != "" {
		c.RedactPatterns = splitPatterns(v)
	}
	if v := os.Getenv("VERIFY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VERIFY_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

func applyIntEnv(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("Ignoring unparseable integer environment variable")
		return
	}
	*target = n
}

func applyDurationEnv(name string, target *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers mean seconds.
		if n, numErr := strconv.Atoi(v); numErr == nil {
			*target = time.Duration(n) * time.Second
			return
		}
		log.Warn().Str("var", name).Str("value", v).Msg("Ignoring unparseable duration environment variable")
		return
	}
	*target = d
}

// splitPatterns splits a semicolon-separated pattern list; regexps with
// literal semicolons are not expressible here, which no shipped pattern
// needs.
func splitPatterns(v string) []string {
	parts := strings.Split(v, ";")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MetricsPort != 0 && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.MetricsPort)
	}
	if c.MetricsPort == c.Port && c.MetricsPort != 0 {
		return fmt.Errorf("metrics port %d collides with the service port", c.MetricsPort)
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid thread count %d", c.Threads)
	}
	if c.ToolkitFile == "" {
		return fmt.Errorf("toolkit file must be set")
	}
	if c.WorkspaceRoot == "" || c.ReportDir == "" || c.FileDir == "" {
		return fmt.Errorf("workspace root and archive directories must be set")
	}
	for name, d := range map[string]time.Duration{
		"idle timeout":    c.IdleTimeout,
		"sweep interval":  c.SweepInterval,
		"observe tick":    c.ObserveTick,
		"monitor timeout": c.MonitorTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Creator == "" {
		c.Creator = oslc.DefaultCreator
	}
	if _, err := oslc.CompileRedactors(c.RedactPatterns); err != nil {
		return err
	}
	return nil
}

// ListenAddr renders the primary bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// MetricsAddr renders the metrics bind address; empty when disabled.
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.IP, c.MetricsPort)
}
