// clipstage: clipboard to LLM staging daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/clipstage/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clipstage",
		Short: "Stage clipboard content for LLM-assisted form filling",
		Long: `clipstage watches the system clipboard, persists copied images to a
single temp file per category, sends the content to a generation backend and
publishes each result to subscribed automation clients.

Run "clipstage watch" to start the daemon. Use "clipstage status/last/submit/
subscribe" against a running daemon over the local control socket, or over
TCP with --server when the daemon was started with --listen.

Config file search order (first found wins):
  path supplied via --config
  $HOME/.config/clipstage/clipstage.toml
  /etc/clipstage/clipstage.toml

All flags can be set via CLIPSTAGE_<FLAG> env vars or config-file keys.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newWatchCmd(),
		newStatusCmd(),
		newLastCmd(),
		newSubmitCmd(),
		newSubscribeCmd(),
		newCheckCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clipstage %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	logging.Setup(logging.Resolve(interactive, formatStr, levelStr))
}
