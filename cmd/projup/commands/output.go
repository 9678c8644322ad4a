package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/projup/projup/pkg/engine"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

var (
	colorGreen  = lipgloss.Color("#98C379")
	colorYellow = lipgloss.Color("#E5C07B")
	colorRed    = lipgloss.Color("#E06C75")
	colorMuted  = lipgloss.Color("#828997")
	colorBorder = lipgloss.Color("#3F4451")

	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow)
	failStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// render writes v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, v any, text func(w io.Writer)) error {
	switch outputFormat {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func check(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", okStyle.Render("✓"), fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", warnStyle.Render("!"), fmt.Sprintf(format, args...))
}

// outcomeStyle colours an outcome label by how it should read to a user.
func outcomeStyle(o engine.Outcome) lipgloss.Style {
	switch o {
	case engine.OutcomeAdded, engine.OutcomeRetargeted:
		return okStyle
	case engine.OutcomeMissing, engine.OutcomeDenied, engine.OutcomeNonUpdated:
		return failStyle
	case engine.OutcomeIgnored, engine.OutcomeSpecial:
		return warnStyle
	default:
		return mutedStyle
	}
}

func statusStyle(s engine.RunStatus) lipgloss.Style {
	switch s {
	case engine.RunStatusSucceeded:
		return okStyle
	case engine.RunStatusNoChanges:
		return mutedStyle
	case engine.RunStatusPartial, engine.RunStatusRunning:
		return warnStyle
	default:
		return failStyle
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderAggregate(w io.Writer, res *engine.AggregateResult) {
	fmt.Fprintf(w, "Solution %s\n", res.Solution)
	for _, c := range res.Added {
		fmt.Fprintf(w, "  %s %s\n", outcomeStyle(engine.OutcomeAdded).Render("added  "), c.Path)
	}
	for _, c := range res.Missing {
		fmt.Fprintf(w, "  %s %s\n", outcomeStyle(engine.OutcomeMissing).Render("missing"), c.Path)
	}
	fmt.Fprintln(w)
	switch {
	case len(res.Missing) > 0:
		warn(w, "%d project(s) still missing after %d pass(es)", len(res.Missing), res.Passes)
	case !res.Aggregated:
		check(w, "solution already references every project")
	default:
		check(w, "%d project(s) added in %d pass(es), %s", len(res.Added), res.Passes, res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w, mutedStyle.Render("run "+res.RunID))
}

func renderRetarget(w io.Writer, res *engine.RetargetResult) {
	fmt.Fprintf(w, "Solution %s -> %s\n", res.Solution, res.Target)
	if len(res.Outcomes) > 0 {
		t := newTable("PROJECT", "OUTCOME", "BEFORE", "AFTER", "DETAIL")
		for _, o := range res.Outcomes {
			t.Row(o.Project, outcomeStyle(o.Outcome).Render(string(o.Outcome)), o.Before, o.After, o.Detail)
		}
		fmt.Fprintln(w, t.Render())
	}
	if res.Converged() {
		check(w, "all projects on %s after %d pass(es), %s", res.Target, res.Passes, res.Duration.Round(time.Millisecond))
	} else {
		warn(w, "%d project(s) not updated after %d pass(es)", len(res.NonUpdated), res.Passes)
		for _, p := range res.NonUpdated {
			fmt.Fprintf(w, "  %s\n", p.FullName)
		}
	}
	fmt.Fprintln(w, mutedStyle.Render("run "+res.RunID))
}

func renderRuns(w io.Writer, runs []*engine.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No runs recorded"))
		return
	}
	t := newTable("ID", "OPERATION", "STATUS", "PASSES", "LEFT", "STARTED", "DURATION")
	for _, r := range runs {
		t.Row(
			r.ID,
			string(r.Operation),
			statusStyle(r.Status).Render(string(r.Status)),
			strconv.Itoa(r.Passes),
			strconv.Itoa(r.Remaining),
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration.Round(time.Millisecond).String(),
		)
	}
	fmt.Fprintln(w, t.Render())
}
