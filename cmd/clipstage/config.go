package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/artifact"
	"go.klb.dev/clipstage/internal/generation"
	"go.klb.dev/clipstage/internal/logging"
	"go.klb.dev/clipstage/internal/pipeline"
	"go.klb.dev/clipstage/internal/task"
	"go.klb.dev/clipstage/internal/watcher"
)

const (
	envPrefix  = "CLIPSTAGE"
	configName = "clipstage"
)

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and CLIPSTAGE_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → CLIPSTAGE_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		for _, dir := range configDirs() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// configDirs lists config search directories, most specific first.
func configDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", configName))
	}
	return append(dirs, filepath.Join("/etc", configName))
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addGeneratorFlags adds the flags that select and tune the generation backend.
func addGeneratorFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("provider", "none", "generation backend: openai|github|gemini|none")
	f.String("model", "", "model name (default depends on provider)")
	f.String("api-key", "", "API key for openai (falls back to OPENAI_API_KEY / OPENROUTER_API_KEY)")
	f.String("base-url", "", "OpenAI-compatible endpoint (falls back to OPENAI_BASE_URL / OPENROUTER_BASE_URL)")
	f.String("github-token", "", "GitHub Models token (falls back to GITHUB_TOKEN)")
	f.String("gemini-api-key", "", "Gemini API key (falls back to GEMINI_API_KEY)")
	f.String("system-prompt", "", "system instruction sent with every request")
	f.String("prompt", "", "Go text/template for the user prompt (fields: .Category .Text .HasImage)")
	f.Int("max-retries", generation.DefaultMaxRetries, "retries after the first attempt for transient failures")
	f.Duration("retry-delay", generation.DefaultRetryDelay, "first retry backoff")
}

// addClientFlags adds the flags used to reach a running daemon.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", "", "daemon TCP address (default: local control socket)")
	f.String("token", "", "shared secret for --server")
	f.String("source", defaultSource(), "name for this client in subscriber lists")
	f.Duration("timeout", 5*time.Second, "request timeout")
}

// addWatchFlags adds the daemon flags.
func addWatchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("interval", watcher.DefaultInterval, "clipboard poll interval")
	f.String("temp-dir", os.TempDir(), "directory for artifact files")
	f.String("artifact-prefix", artifact.DefaultPrefix, "file name prefix for artifact files")
	f.String("category", pipeline.DefaultCategory, "category label for clipboard events")
	f.Int("workers", task.DefaultWorkers, "shared runtime worker count")
	f.Duration("request-timeout", 60*time.Second, "per-request generation timeout (0 = none)")
	f.Int("queue-size", pipeline.DefaultQueueSize, "pending clipboard events before new ones are dropped")
	f.Int("preview-max", 1024, "longest edge of displayed image previews in pixels (0 = original)")
	f.Bool("copy-result", false, "write delivered text back to the clipboard")
	f.String("listen", "", "also accept control sessions on this TCP address")
	f.String("token", "", "shared secret for --listen (empty = no auth, no encryption)")
	f.String("source", defaultSource(), "name for this host in status output")
	addGeneratorFlags(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper) {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"))
}
