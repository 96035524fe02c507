package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/pipeline"
)

func newSubscribeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream outcomes as JSON lines",
		Long: `Subscribes to the daemon's outcomes and prints each one as a JSON line
on stdout, for consumption by automation scripts. The latest matching outcome
is printed immediately on connect.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runSubscribe(cmd, v) },
	}
	addClientFlags(cmd)
	cmd.Flags().StringSlice("accept", nil, "only stream these categories (default: all)")
	cmd.Flags().Bool("delivered-only", false, "skip failed outcomes")
	addConfigFlag(cmd)
	return cmd
}

func runSubscribe(cmd *cobra.Command, v *viper.Viper) error {
	s, err := dialDaemon(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.WriteMsg(&message.Message{
		Type:   message.TypeSubscribe,
		Source: v.GetString("source"),
		Accept: v.GetStringSlice("accept"),
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	deliveredOnly := v.GetBool("delivered-only")
	for {
		m, err := s.ReadMsg()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		switch m.Type {
		case message.TypePing:
			_ = s.WriteMsg(&message.Message{Type: message.TypePong})
		case message.TypeError:
			return m.AsError()
		case message.TypeOutcome:
			if m.Outcome == nil || (deliveredOnly && m.Outcome.State != pipeline.StateDelivered) {
				continue
			}
			if err := enc.Encode(m.Outcome); err != nil {
				return err
			}
		}
	}
}
