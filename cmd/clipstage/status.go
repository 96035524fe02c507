package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/message"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state",
		Long: `Displays the running daemon's generator, artifact slots, runtime and
pipeline counters, the last outcome and connected subscribers.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd, v) },
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("json", false, "output raw JSON")
	addConfigFlag(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper) error {
	s, err := dialDaemon(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.call(&message.Message{Type: message.TypeStatus, Source: v.GetString("source")})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if resp.Status == nil {
		return fmt.Errorf("status: empty response")
	}

	out := cmd.OutOrStdout()
	if v.GetBool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Status)
	}
	printStatus(out, resp.Status, s.transport)
	return nil
}

func printStatus(out io.Writer, st *message.Status, transport string) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	fmt.Fprintf(w, "Transport:\t%s\n", transport)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:\t%s (%s)\n", st.StartedAt.UTC().Format(time.RFC3339), fmtAge(st.StartedAt))
	}
	fmt.Fprintf(w, "Clipboard:\t%s (every %s)\n", st.Clipboard, st.Interval)
	fmt.Fprintf(w, "Generator:\t%s\n", st.Generator)
	fmt.Fprintf(w, "Category:\t%s\n", st.Category)
	fmt.Fprintf(w, "Watcher:\t%d ticks, %d events, %d read failures\n",
		st.Watcher.Ticks, st.Watcher.Events, st.Watcher.Failures)
	fmt.Fprintf(w, "Runtime:\t%d/%d workers busy, %d in flight, %d done, %d failed, %d panics\n",
		st.Runtime.Running, st.Runtime.Workers, st.Runtime.InFlight,
		st.Runtime.Completed, st.Runtime.Failed, st.Runtime.Panics)
	fmt.Fprintf(w, "Pipeline:\t%d received, %d dropped, %d delivered, %d failed\n",
		st.Pipeline.Received, st.Pipeline.Dropped, st.Pipeline.Delivered, st.Pipeline.Failed)
	fmt.Fprintf(w, "Preview:\t%d replacements, %d retained\n", st.Handoff.Replacements, st.Handoff.Retained)
	if st.Last != nil {
		fmt.Fprintf(w, "Last:\t%s %s %s (%s)\n", st.Last.EventID, st.Last.Category, st.Last.State, fmtAge(st.Last.FinishedAt))
	}
	for _, p := range st.Stale {
		fmt.Fprintf(w, "Stale:\t%s\n", p)
	}
	fmt.Fprintln(w)
	_ = w.Flush()

	if len(st.Slots) > 0 {
		tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "CATEGORY\tPATH\tMIME\tSIZE\tCREATED\n")
		for _, sl := range st.Slots {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", sl.Category, sl.Path, sl.MIME, sl.Size, fmtAge(sl.CreatedAt))
		}
		_ = tw.Flush()
		fmt.Fprintln(out)
	}

	if len(st.Subscribers) == 0 {
		fmt.Fprintln(out, "No subscribers connected.")
		return
	}
	tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSOURCE\tTRANSPORT\tCONNECTED\tLAST SEEN\tACCEPTS\n")
	for _, p := range st.Subscribers {
		accepts := "*"
		if len(p.Categories) > 0 {
			accepts = strings.Join(p.Categories, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Source, p.Transport, fmtAge(p.ConnectedAt), fmtAge(p.LastSeen), accepts)
	}
	_ = tw.Flush()
}
