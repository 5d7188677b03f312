package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/sre-norns/skuld/pkg/runner"
	"github.com/sre-norns/skuld/pkg/skuld"
)

type summaryRow struct {
	check    skuld.Check
	id       skuld.CheckRunID
	status   string
	details  string
	started  time.Time
	duration time.Duration
}

// Summary renders a table of all checks of a run once the run is over
type Summary struct {
	out   io.Writer
	style table.Style
	now   func() time.Time

	rows  []*summaryRow
	index map[skuld.CheckRunID]*summaryRow
}

func NewSummary(out io.Writer) *Summary {
	return &Summary{
		out:   out,
		style: table.StyleLight,
		now:   time.Now,
		index: make(map[skuld.CheckRunID]*summaryRow),
	}
}

func (s *Summary) Handle(e runner.Event) {
	switch ev := e.(type) {
	case runner.RunStarted:
		s.rows = nil
		s.index = make(map[skuld.CheckRunID]*summaryRow)
		for _, sc := range ev.Checks {
			row := &summaryRow{check: sc.Check, id: sc.CheckRunID, status: "pending", started: s.now()}
			s.rows = append(s.rows, row)
			s.index[sc.CheckRunID] = row
		}
	case runner.CheckInProgress:
		if row, ok := s.index[ev.CheckRunID]; ok {
			row.status = "running"
		}
	case runner.CheckSucceeded:
		if row, ok := s.index[ev.CheckRunID]; ok {
			row.status = "passed"
			if ev.Result.HasFailures {
				row.status = "failures"
			}
			if ev.Links != nil {
				row.details = ev.Links.TestResultLink
			}
		}
	case runner.CheckFailed:
		if row, ok := s.index[ev.CheckRunID]; ok {
			row.status = "failed"
			row.details = ev.Err.Error()
		}
	case runner.CheckFinished:
		if row, ok := s.index[ev.CheckRunID]; ok {
			row.duration = s.now().Sub(row.started)
		}
	case runner.RunFinished:
		s.Render()
	case runner.RunError:
		s.Render()
		fmt.Fprintf(s.out, "run aborted: %v\n", ev.Err)
	}
}

func colorFor(status string) text.Colors {
	switch status {
	case "passed":
		return text.Colors{text.FgGreen}
	case "failures", "failed":
		return text.Colors{text.FgRed}
	default:
		return text.Colors{text.FgYellow}
	}
}

// Render writes the summary table
func (s *Summary) Render() {
	if len(s.rows) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(s.out)
	t.SetStyle(s.style)
	t.AppendHeader(table.Row{"Check", "Kind", "Run ID", "Status", "Duration", "Details"})

	passed := 0
	for _, row := range s.rows {
		if row.status == "passed" {
			passed++
		}

		duration := "-"
		if row.duration > 0 {
			duration = row.duration.Round(time.Millisecond).String()
		}

		t.AppendRow(table.Row{
			row.check.Name,
			row.check.Kind,
			row.id,
			colorFor(row.status).Sprint(row.status),
			duration,
			text.WrapSoft(row.details, 60),
		})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d/%d passed", passed, len(s.rows)), "", ""})

	t.Render()
}
