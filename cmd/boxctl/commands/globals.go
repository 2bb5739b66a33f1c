package commands

import (
	"os"
	"runtime"
	"runtime/debug"

	"github.com/encabox/encabox/internal/config"
	"github.com/encabox/encabox/internal/logging"
)

// Global CLI flags
var (
	// ConfigPath overrides the default config file location
	ConfigPath string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string

	// LogLevel is the level for diagnostic logs on stderr
	LogLevel string
)

// SetupLogging sends text logs to stderr at LogLevel
func SetupLogging() error {
	level := LogLevel
	if level == "" {
		level = "warn"
	}
	return logging.Setup(os.Stderr, "text", level)
}

func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file; a missing file yields defaults
func loadConfig() (*config.Config, error) {
	return config.Load(configPath())
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
