package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/pipeline"
)

func newSubmitCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "submit [text...]",
		Short: "Send text through the pipeline as if it had been copied",
		Long: `Submits text to the running daemon. Arguments are joined with spaces;
without arguments the text is read from stdin.

  clipstage submit --category cloze "The capital of France is ___."
  pbpaste | clipstage submit --wait`,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, args []string) error { return runSubmit(cmd, v, args) },
	}
	addClientFlags(cmd)
	cmd.Flags().String("category", "", "category label (default: the daemon's)")
	cmd.Flags().Bool("wait", false, "wait for the outcome and print it")
	addConfigFlag(cmd)
	return cmd
}

func runSubmit(cmd *cobra.Command, v *viper.Viper, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to submit")
	}

	s, err := dialDaemon(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer s.Close()

	source, category := v.GetString("source"), v.GetString("category")
	if v.GetBool("wait") {
		// Subscribe first so the outcome cannot be missed.
		sub := &message.Message{Type: message.TypeSubscribe, Source: source}
		if err := s.WriteMsg(sub); err != nil {
			return err
		}
	}

	// Outcomes can arrive before ACCEPTED: a replay on subscribe, or a fast
	// generation racing the acknowledgement.
	early := map[string]pipeline.Outcome{}
	resp, err := s.call(message.Submit(source, category, text))
	for err == nil && resp.Type != message.TypeAccepted {
		if resp.Outcome != nil {
			early[resp.Outcome.EventID] = *resp.Outcome
		}
		if resp, err = s.ReadMsg(); err == nil {
			err = resp.AsError()
		}
	}
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	id := resp.EventID
	if !v.GetBool("wait") {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
	if o, ok := early[id]; ok {
		return printOutcome(cmd, o, false)
	}

	for {
		m, err := s.ReadMsg()
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", id, err)
		}
		switch m.Type {
		case message.TypePing:
			_ = s.WriteMsg(&message.Message{Type: message.TypePong})
		case message.TypeOutcome:
			if m.Outcome != nil && m.Outcome.EventID == id {
				return printOutcome(cmd, *m.Outcome, false)
			}
		}
	}
}
