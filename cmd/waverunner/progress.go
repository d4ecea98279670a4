package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aristath/waverunner/internal/events"
)

// printProgress writes one line per wave and per task outcome until sub is closed.
func printProgress(sub <-chan events.Event, w io.Writer) {
	for event := range sub {
		switch e := event.(type) {
		case events.WaveStartedEvent:
			fmt.Fprintf(w, "wave %d: starting %d task(s): %s\n", e.Wave, len(e.TaskIDs), strings.Join(e.TaskIDs, ", "))
		case events.TaskRetryingEvent:
			fmt.Fprintf(w, "  ↻ %s attempt %d failed, retrying in %s: %s\n", e.ID, e.Attempt, e.Delay.Round(time.Millisecond), firstLine(e.Err))
		case events.TaskSucceededEvent:
			fmt.Fprintf(w, "  ✓ %s (%d attempt(s), %s)\n", e.ID, e.Attempts, e.Duration.Round(time.Millisecond))
		case events.TaskExhaustedEvent:
			fmt.Fprintf(w, "  ✗ %s exhausted after %d attempt(s): %s\n", e.ID, e.Attempts, firstLine(e.Err))
		case events.WaveCompletedEvent:
			fmt.Fprintf(w, "wave %d: %d/%d succeeded in %s\n", e.Wave, e.Succeeded, e.Total, e.Duration.Round(time.Millisecond))
		}
	}
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	return s
}
