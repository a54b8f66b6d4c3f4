package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// summaryStyles are bound to the output writer's renderer, so piped output
// and golden files carry no escape codes.
type summaryStyles struct {
	title lipgloss.Style
	label lipgloss.Style
	value lipgloss.Style
}

func newSummaryStyles(w io.Writer) summaryStyles {
	r := lipgloss.NewRenderer(w)
	return summaryStyles{
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("6")), // cyan
		label: r.NewStyle().Width(16).PaddingLeft(2).Foreground(lipgloss.Color("8")),
		value: r.NewStyle().Bold(true),
	}
}

// renderSummary writes the human-readable run summary.
func renderSummary(w io.Writer, s RunSummary) error {
	st := newSummaryStyles(w)
	var b strings.Builder
	section := func(title string) {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(st.title.Render(title))
		b.WriteString("\n")
	}
	row := func(label, format string, args ...any) {
		b.WriteString(st.label.Render(label))
		b.WriteString(st.value.Render(fmt.Sprintf(format, args...)))
		b.WriteString("\n")
	}

	section("Run summary")
	row("engine", "%s", s.Stats.ID)
	row("uptime", "%s", s.Stats.Uptime.Round(time.Millisecond))
	row("faults", "%d", s.Stats.Faults)

	section("Demo")
	row("heartbeats", "%d", s.Heartbeats)
	row("logic steps", "%d", s.Steps)
	row("ticks", "%d", s.Ticks)
	row("frames", "%d", s.Frames)
	row("preloaded", "%d (%d failed)", s.Preloaded, s.PreloadFailed)
	row("reloaded", "%d", s.Reloaded)

	core := s.Stats.Core
	section("Loops")
	for _, lp := range core.Loops {
		row(lp.Lane, "iterations=%d posted=%d executed=%d failed=%d fired=%d",
			lp.Iterations, lp.Mailbox.Posted, lp.Mailbox.Executed, lp.Mailbox.Failed, lp.Registry.Fired)
	}
	row("dropped steps", "%d", core.DroppedSteps)

	section("Workers")
	row(core.Pool.Name, "workers=%d submitted=%d completed=%d failed=%d",
		core.Pool.Workers, core.Pool.Submitted, core.Pool.Completed, core.Pool.Failed)
	a := s.Stats.Assets
	row(a.Pool.Name, "workers=%d submitted=%d completed=%d failed=%d",
		a.Pool.Workers, a.Pool.Submitted, a.Pool.Completed, a.Pool.Failed)

	sch := s.Stats.Scheduler
	section("Scheduler")
	row("timers", "active=%d firings=%d rejected=%d", sch.TimersActive, sch.TimerFirings, sch.TimerRejections)
	row("deferred", "%d", sch.Deferred)

	bus := s.Stats.Bus
	section("Event bus")
	row("events", "published=%d delivered=%d failed=%d", bus.Published, bus.Delivered, bus.Failed)
	row("subscribers", "%d across %d type(s)", bus.Subscribers, bus.Types)

	section("Assets")
	row("cache", "cached=%d in_flight=%d hits=%d", a.Cached, a.InFlight, a.CacheHits)
	row("loads", "loads=%d deduplicated=%d failures=%d", a.Loads, a.Deduplicated, a.Failures)
	row("lifecycle", "reloads=%d unloads=%d", a.Reloads, a.Unloads)

	_, err := io.WriteString(w, b.String())
	return err
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
