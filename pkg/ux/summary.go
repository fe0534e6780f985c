// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

// StatusIcon returns the glyph for a task status.
func StatusIcon(s results.Status) Icon {
	switch s {
	case results.StatusSuccess:
		return IconSuccess
	case results.StatusFailed:
		return IconError
	case results.StatusTimeout:
		return IconWarning
	case results.StatusCancelled:
		return IconCancelled
	case results.StatusSkipped:
		return IconSkipped
	default:
		return IconPending
	}
}

func (p *Printer) statusStyle(s results.Status) lipgloss.Style {
	switch s {
	case results.StatusSuccess:
		return p.st.success
	case results.StatusFailed:
		return p.st.failure
	case results.StatusTimeout:
		return p.st.warning
	default:
		return p.st.muted
	}
}

func (p *Printer) table(headers ...string) *table.Table {
	t := table.New().Headers(headers...)
	if p.plain {
		return t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).BorderBottom(false).
			BorderLeft(false).BorderRight(false).
			BorderHeader(false).
			StyleFunc(func(_, _ int) lipgloss.Style {
				return lipgloss.NewStyle().PaddingRight(1)
			})
	}
	return t.Border(lipgloss.RoundedBorder()).
		BorderStyle(p.st.border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.st.title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func (p *Printer) println(s string) error {
	_, err := fmt.Fprintln(p.w, s)
	return err
}

// Plan prints the levels of g and the branches of its conditional tasks.
func (p *Printer) Plan(g *dag.Graph) error {
	header := fmt.Sprintf("%s: %d tasks, %d levels, max width %d",
		g.Name(), g.TaskCount(), g.LevelCount(), g.MaxWidth())
	if err := p.println(p.st.title.Render(header)); err != nil {
		return err
	}

	t := p.table("LEVEL", "TASKS")
	for i, ids := range g.Levels() {
		labels := make([]string, len(ids))
		for j, id := range ids {
			labels[j] = id
			if task, ok := g.Task(id); ok && task.EffectiveKind() != dag.KindTask {
				labels[j] = fmt.Sprintf("%s [%s]", id, task.EffectiveKind())
			}
		}
		t.Row(fmt.Sprint(i), strings.Join(labels, ", "))
	}
	if err := p.println(t.String()); err != nil {
		return err
	}

	for _, task := range g.Tasks() {
		if task.EffectiveKind() != dag.KindConditional {
			continue
		}
		for _, b := range task.Branches {
			line := fmt.Sprintf("  %s %s %s when %s", task.ID, IconArrow, b.Target, b.When)
			if err := p.println(p.st.muted.Render(line)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Result prints one row per task followed by the run summary.
func (p *Printer) Result(res *results.PoolExecutionResult) error {
	t := p.table("", "TASK", "STATUS", "ATTEMPTS", "DURATION", "ERROR")
	for _, r := range res.Results {
		style := p.statusStyle(r.Status)
		t.Row(
			style.Render(string(StatusIcon(r.Status))),
			r.TaskID,
			style.Render(string(r.Status)),
			fmt.Sprint(r.Attempt),
			r.Duration.Round(time.Millisecond).String(),
			truncate(r.ErrorString(), 60),
		)
	}
	if err := p.println(t.String()); err != nil {
		return err
	}

	summary := res.Summary()
	if res.Succeeded() {
		return p.println(p.st.success.Render(string(IconSuccess) + " " + summary))
	}
	return p.println(p.st.failure.Render(string(IconError) + " " + summary))
}

// ValidationError prints a graph validation failure.
func (p *Printer) ValidationError(err error) error {
	var b strings.Builder
	b.WriteString(p.st.bold.Render("graph rejected"))
	b.WriteString("\n")
	b.WriteString(err.Error())

	var cycle *dag.CycleError
	if errors.As(err, &cycle) && len(cycle.Path) > 0 {
		b.WriteString("\n")
		b.WriteString(p.st.muted.Render("cycle: " + strings.Join(cycle.Path, " "+string(IconArrow)+" ")))
	}
	if p.plain {
		return p.println(b.String())
	}
	return p.println(p.st.errBox.Render(b.String()))
}

// Event prints one progress line. Attempt events are printed only when
// they will be retried.
func (p *Printer) Event(e pool.Event) error {
	ts := e.Time.Format("15:04:05")
	var line string
	switch e.Type {
	case pool.EventRunStarted:
		line = fmt.Sprintf("%s run %s started (%s)", IconBullet, e.RunID, e.Graph)
	case pool.EventLevelStarted:
		line = p.st.muted.Render(fmt.Sprintf("%s level %d", IconArrow, e.Level))
	case pool.EventTaskStarted:
		line = p.st.muted.Render(fmt.Sprintf("  %s %s", IconPending, e.TaskID))
	case pool.EventTaskAttempt:
		if e.Status != results.StatusFailed {
			return nil
		}
		line = p.st.warning.Render(fmt.Sprintf("  %s %s attempt %d failed: %s", IconWarning, e.TaskID, e.Attempt, e.Error))
	case pool.EventTaskFinished:
		line = fmt.Sprintf("  %s %s %s (%.0fms)", StatusIcon(e.Status), e.TaskID, e.Status, e.DurationMs)
		if e.Error != "" {
			line += ": " + truncate(e.Error, 80)
		}
		line = p.statusStyle(e.Status).Render(line)
	case pool.EventRunFinished:
		line = fmt.Sprintf("%s run %s finished", IconBullet, e.RunID)
	default:
		return nil
	}
	return p.println(p.st.muted.Render(ts) + " " + line)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
