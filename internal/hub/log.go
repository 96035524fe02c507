package hub

import (
	"context"
	"log/slog"

	"go.klb.dev/clipstage/internal/pipeline"
)

const previewLen = 120

// logOutcome logs an outcome at INFO (event, category, state, fan-out) and
// at DEBUG a preview of the text up to 120 chars.
func (h *Hub) logOutcome(o pipeline.Outcome, subscribers int) {
	h.log.Info("outcome published",
		"event_id", o.EventID,
		"category", o.Category,
		"state", o.State,
		"subscribers", subscribers,
	)

	if !h.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if o.State == pipeline.StateFailed {
		h.log.Debug("outcome cause", "event_id", o.EventID, "cause", o.Cause)
		return
	}
	preview := o.Text
	if r := []rune(preview); len(r) > previewLen {
		preview = string(r[:previewLen]) + "…"
	}
	h.log.Debug("outcome text", "event_id", o.EventID, "preview", preview)
}
