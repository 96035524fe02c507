package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configDirMode  = 0o700
	configFileMode = 0o600
	tempConfigGlob = ".clipstage-*.toml.tmp"
	redacted       = "<redacted>"
)

// fileConfig is the on-disk shape of clipstage.toml. Keys match flag names.
type fileConfig struct {
	Interval       string `toml:"interval"`
	TempDir        string `toml:"temp-dir"`
	ArtifactPrefix string `toml:"artifact-prefix"`
	Category       string `toml:"category"`
	Workers        int    `toml:"workers"`
	RequestTimeout string `toml:"request-timeout"`
	QueueSize      int    `toml:"queue-size"`
	PreviewMax     int    `toml:"preview-max"`
	CopyResult     bool   `toml:"copy-result"`
	Listen         string `toml:"listen"`
	Token          string `toml:"token"`

	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKey       string `toml:"api-key"`
	BaseURL      string `toml:"base-url"`
	GitHubToken  string `toml:"github-token"`
	GeminiAPIKey string `toml:"gemini-api-key"`
	SystemPrompt string `toml:"system-prompt"`
	Prompt       string `toml:"prompt"`
	MaxRetries   int    `toml:"max-retries"`
	RetryDelay   string `toml:"retry-delay"`

	LogFormat string `toml:"log-format"`
	LogLevel  string `toml:"log-level"`
}

func configFromViper(v *viper.Viper) fileConfig {
	return fileConfig{
		Interval:       v.GetDuration("interval").String(),
		TempDir:        v.GetString("temp-dir"),
		ArtifactPrefix: v.GetString("artifact-prefix"),
		Category:       v.GetString("category"),
		Workers:        v.GetInt("workers"),
		RequestTimeout: v.GetDuration("request-timeout").String(),
		QueueSize:      v.GetInt("queue-size"),
		PreviewMax:     v.GetInt("preview-max"),
		CopyResult:     v.GetBool("copy-result"),
		Listen:         v.GetString("listen"),
		Token:          v.GetString("token"),
		Provider:       v.GetString("provider"),
		Model:          v.GetString("model"),
		APIKey:         v.GetString("api-key"),
		BaseURL:        v.GetString("base-url"),
		GitHubToken:    v.GetString("github-token"),
		GeminiAPIKey:   v.GetString("gemini-api-key"),
		SystemPrompt:   v.GetString("system-prompt"),
		Prompt:         v.GetString("prompt"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryDelay:     v.GetDuration("retry-delay").String(),
		LogFormat:      v.GetString("log-format"),
		LogLevel:       v.GetString("log-level"),
	}
}

func (c fileConfig) redact() fileConfig {
	for _, s := range []*string{&c.Token, &c.APIKey, &c.GitHubToken, &c.GeminiAPIKey} {
		if *s != "" {
			*s = redacted
		}
	}
	return c
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "show",
		Short:   "Print the effective watch configuration as TOML",
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFromViper(v)
			if !v.GetBool("show-secrets") {
				cfg = cfg.redact()
			}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			out := cmd.OutOrStdout()
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# loaded from %s\n", used)
			}
			_, err = out.Write(data)
			return err
		},
	}
	addWatchFlags(cmd)
	cmd.Flags().Bool("show-secrets", false, "print tokens and API keys")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("binding flags: %w", err)
			}
			path := v.GetString("path")
			if path == "" {
				dirs := configDirs()
				path = filepath.Join(dirs[0], configName+".toml")
			}
			if err := writeConfigFile(path, configFromViper(v), v.GetBool("force")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	addWatchFlags(cmd)
	cmd.Flags().String("path", "", "destination (default: $HOME/.config/clipstage/clipstage.toml)")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

// writeConfigFile writes cfg to path via a temp file and rename.
func writeConfigFile(path string, cfg fileConfig, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempConfigGlob)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Chmod(configFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false
	return nil
}
