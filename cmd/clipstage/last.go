package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/pipeline"
)

func newLastCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "last",
		Short: "Print the latest outcome",
		Long: `Prints the generated text of the most recent outcome to stdout. With
--category only outcomes for that category are considered. A failed outcome
prints its cause and exits non-zero.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runLast(cmd, v) },
	}
	addClientFlags(cmd)
	cmd.Flags().String("category", "", "only consider this category")
	cmd.Flags().Bool("json", false, "print the full outcome as JSON")
	addConfigFlag(cmd)
	return cmd
}

func runLast(cmd *cobra.Command, v *viper.Viper) error {
	s, err := dialDaemon(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.call(&message.Message{Type: message.TypeLatest, Source: v.GetString("source"), Category: v.GetString("category")})
	if err != nil {
		return err
	}
	if resp.Outcome == nil {
		return fmt.Errorf("last: empty response")
	}
	return printOutcome(cmd, *resp.Outcome, v.GetBool("json"))
}

// printOutcome writes o's text, or its JSON form, to stdout.
func printOutcome(cmd *cobra.Command, o pipeline.Outcome, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return json.NewEncoder(out).Encode(o)
	}
	if o.State == pipeline.StateFailed {
		return fmt.Errorf("event %s failed: %s", o.EventID, o.Cause)
	}
	_, err := fmt.Fprintln(out, o.Text)
	return err
}
