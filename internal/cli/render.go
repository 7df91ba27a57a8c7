package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Output formats for reports
const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
	FormatYAML   = "yaml"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	riskStyles = map[medication.RiskLevel]lipgloss.Style{
		medication.RiskLow:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		medication.RiskModerate: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		medication.RiskHigh:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

// RenderReport writes report to w in the given format. Pretty output is
// styled only when w is a terminal.
func RenderReport(w io.Writer, report *medication.AdherenceReport, format string) error {
	switch format {
	case "", FormatPretty:
		return renderPretty(w, report, isTerminal(w))
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case FormatYAML:
		return renderYAML(w, report)
	default:
		return fmt.Errorf("unknown format %q (want pretty, json or yaml)", format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderYAML goes through JSON so keys match the API field names.
func renderYAML(w io.Writer, report *medication.AdherenceReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func renderPretty(w io.Writer, report *medication.AdherenceReport, styled bool) error {
	if !styled {
		_, err := io.WriteString(w, plainReport(report))
		return err
	}

	risk, ok := riskStyles[report.RiskLevel]
	if !ok {
		risk = lipgloss.NewStyle().Bold(true)
	}
	summary := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Medication Adherence"),
		"",
		labelStyle.Render("Risk:      ")+risk.Render(string(report.RiskLevel)),
		labelStyle.Render("Adherence: ")+fmt.Sprintf("%d%%", report.AdherenceRate),
		labelStyle.Render("On time:   ")+fmt.Sprintf("%d%%", report.OnTimeRate),
		labelStyle.Render("Doses:     ")+fmt.Sprintf("%d scheduled, %d taken, %d missed, %d skipped",
			report.TotalScheduled, report.Taken, report.Missed, report.Skipped),
	)
	if _, err := fmt.Fprintln(w, boxStyle.Render(summary)); err != nil {
		return err
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return err
	}
	out, err := renderer.Render(markdownDetails(report))
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

func plainReport(report *medication.AdherenceReport) string {
	var b strings.Builder
	b.WriteString("Medication Adherence\n")
	b.WriteString("====================\n")
	fmt.Fprintf(&b, "Risk:      %s\n", report.RiskLevel)
	fmt.Fprintf(&b, "Adherence: %d%%\n", report.AdherenceRate)
	fmt.Fprintf(&b, "On time:   %d%%\n", report.OnTimeRate)
	fmt.Fprintf(&b, "Doses:     %d scheduled, %d taken, %d missed, %d skipped\n",
		report.TotalScheduled, report.Taken, report.Missed, report.Skipped)
	b.WriteString("\n")
	b.WriteString(markdownDetails(report))
	return b.String()
}

// markdownDetails lists the per-medicine breakdown and advice
func markdownDetails(report *medication.AdherenceReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyzed %d day(s)", report.DaysAnalyzed)
	if report.AnalysisStart != "" {
		fmt.Fprintf(&b, " since %s", report.AnalysisStart)
	}
	fmt.Fprintf(&b, ". %d active medicine(s), %d ending within %d days.\n\n",
		report.ActiveMedicineCount, report.ExpiringSoonCount, medication.ExpiringSoonDays)

	if len(report.Medicines) > 0 {
		b.WriteString("## Medicines\n\n")
		b.WriteString("| Medicine | Scheduled | Taken | Missed | Skipped | Adherence |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, m := range report.Medicines {
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %d%% |\n",
				m.Name, m.TotalScheduled, m.Taken, m.Missed, m.Skipped, m.AdherenceRate)
		}
		b.WriteString("\n")
	}

	if len(report.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, warning := range report.Warnings {
			fmt.Fprintf(&b, "- %s\n", warning)
		}
		b.WriteString("\n")
	}

	if len(report.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, rec := range report.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
		b.WriteString("\n")
	}

	if len(report.SideEffectCounts) > 0 {
		effects := make([]string, 0, len(report.SideEffectCounts))
		for effect := range report.SideEffectCounts {
			effects = append(effects, effect)
		}
		sort.Strings(effects)

		b.WriteString("## Reported side effects\n\n")
		for _, effect := range effects {
			fmt.Fprintf(&b, "- %s (%d)\n", effect, report.SideEffectCounts[effect])
		}
		b.WriteString("\n")
	}

	return b.String()
}
