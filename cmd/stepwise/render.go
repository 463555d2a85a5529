package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/petrijr/stepwise/pkg/api"
)

const maxOutputWidth = 40

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)
	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)

	stateColors = map[api.StepState]lipgloss.Color{
		api.StepBlocked:   lipgloss.Color("#777777"),
		api.StepPending:   lipgloss.Color("#E5C07B"),
		api.StepRunning:   lipgloss.Color("#5B8DEF"),
		api.StepCompleted: lipgloss.Color("#98C379"),
		api.StepFailed:    lipgloss.Color("#FF6B6B"),
	}
	stateOrder = []api.StepState{
		api.StepCompleted, api.StepRunning, api.StepPending, api.StepBlocked, api.StepFailed,
	}
)

func stateLabel(s api.StepState) string {
	return lipgloss.NewStyle().
		Foreground(stateColors[s]).
		Bold(s == api.StepRunning || s == api.StepFailed).
		Render(string(s))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// describeOutput gives a one-line view of a step output.
func describeOutput(p api.Payload) string {
	switch v := p.(type) {
	case nil:
		return ""
	case api.Text:
		return truncate(strings.ReplaceAll(v.Value, "\n", " "), maxOutputWidth)
	case api.WaitResult:
		return "until " + v.Until.Local().Format(time.Kitchen)
	case fmt.Stringer:
		return truncate(v.String(), maxOutputWidth)
	default:
		return string(p.Kind())
	}
}

func summaryLine(sum api.Summary) string {
	parts := make([]string, 0, len(stateOrder))
	for _, s := range stateOrder {
		if n := sum.Counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(s))))
		}
	}
	if len(parts) == 0 {
		return "no steps"
	}
	return strings.Join(parts, ", ")
}

func scheduled(st *api.Step) string {
	switch st.State {
	case api.StepBlocked, api.StepPending:
		return st.ScheduledFor.Local().Format("15:04:05")
	default:
		return ""
	}
}

func renderWorkflow(wf *api.Workflow, steps []*api.Step, withLogs bool) string {
	sum := api.Summarize(steps)

	head := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(wf.Goal),
		mutedStyle.Render(fmt.Sprintf("%s · %s · created %s", wf.ID, wf.Status, wf.CreatedAt.Local().Format(time.DateTime))),
		fmt.Sprintf("%d/%d completed: %s", sum.Counts[api.StepCompleted], sum.Total, summaryLine(sum)),
	)

	t := newTable("#", "STEP", "AGENT", "STATE", "SCHEDULED", "OUTPUT")
	for i, st := range steps {
		t.Row(strconv.Itoa(i+1), st.Name, st.Agent, stateLabel(st.State), scheduled(st), describeOutput(st.Output))
	}

	var b strings.Builder
	b.WriteString(boxStyle.Render(head))
	b.WriteString("\n")
	b.WriteString(t.String())

	if sum.Current != nil && len(sum.Current.Logs) > 0 {
		last := sum.Current.Logs[len(sum.Current.Logs)-1]
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(fmt.Sprintf("%s: %s", sum.Current.Name, last)))
	}

	if withLogs {
		for _, st := range steps {
			if len(st.Logs) == 0 {
				continue
			}
			b.WriteString("\n\n")
			b.WriteString(titleStyle.Render(st.Name))
			b.WriteString("\n")
			b.WriteString(mutedStyle.Render(strings.Join(st.Logs, "\n")))
		}
	}
	return b.String()
}

func renderList(wfs []*api.Workflow, sums []api.Summary) string {
	if len(wfs) == 0 {
		return mutedStyle.Render("no workflows")
	}

	t := newTable("ID", "GOAL", "PROGRESS", "CREATED")
	for i, wf := range wfs {
		sum := sums[i]
		progress := fmt.Sprintf("%d/%d", sum.Counts[api.StepCompleted], sum.Total)
		if n := sum.Counts[api.StepFailed]; n > 0 {
			progress += " " + stateLabel(api.StepFailed)
		}
		t.Row(wf.ID, truncate(wf.Goal, maxOutputWidth), progress, wf.CreatedAt.Local().Format(time.DateTime))
	}
	return t.String()
}
