package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/generation"
)

func newCheckCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the configured generation backend responds",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindViper(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return runCheck(cmd, v) },
	}
	addGeneratorFlags(cmd)
	cmd.Flags().Duration("timeout", 30*time.Second, "probe timeout")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)
	return cmd
}

func runCheck(cmd *cobra.Command, v *viper.Viper) error {
	setupLogging(v)

	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()

	gen, err := newGenerator(ctx, v, slog.Default())
	if err != nil {
		return err
	}
	prober, ok := gen.(generation.Prober)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no probe available\n", gen.Name())
		return nil
	}

	start := time.Now()
	reply, err := prober.Probe(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", gen.Name(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok in %s: %s\n", gen.Name(), time.Since(start).Round(time.Millisecond), truncate(reply, 80))
	return nil
}
