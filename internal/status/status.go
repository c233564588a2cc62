// Package status summarizes the task store for operator-facing output.
package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/store"
	"github.com/nightshift-dev/nightshift/internal/task"
)

const (
	idColumnWidth       = 10
	stageColumnWidth    = 16
	priorityColumnWidth = 8
	repoColumnWidth     = 24
	cyclesColumnWidth   = 8
	titleMaxWidth       = 40
)

var stageDisplayOrder = map[stage.Stage]int{
	stage.StageAwaitingHuman: 0,
	stage.StageQA:            1,
	stage.StageCodeReview:    2,
	stage.StageDevelopment:   3,
	stage.StageDesign:        4,
	stage.StageTriage:        5,
	stage.StageReady:         6,
	stage.StageDone:          7,
	stage.StageFailed:        8,
}

var countsOrder = []stage.Stage{
	stage.StageReady,
	stage.StageTriage,
	stage.StageDesign,
	stage.StageDevelopment,
	stage.StageCodeReview,
	stage.StageQA,
	stage.StageAwaitingHuman,
	stage.StageDone,
	stage.StageFailed,
}

// Summary represents per-stage task counts and the active-task table.
type Summary struct {
	Total    int
	Awaiting int
	Counts   map[stage.Stage]int
	Rows     []Row
	Fetched  time.Time
}

// Row is one non-terminal task in the status table.
type Row struct {
	ID       string
	Stage    string
	Priority string
	Repo     string
	Cycles   string
	Title    string
	order    int
}

// CountsLine renders the per-stage totals in lifecycle order, skipping
// empty stages.
func (s Summary) CountsLine() string {
	parts := make([]string, 0, len(countsOrder))
	for _, stageName := range countsOrder {
		if count := s.Counts[stageName]; count > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", stageName, count))
		}
	}
	if len(parts) == 0 {
		return "tasks total=0"
	}
	return fmt.Sprintf("tasks total=%d %s", s.Total, strings.Join(parts, " "))
}

// String returns the formatted plain-text status output.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, s.CountsLine())
	if len(s.Rows) == 0 {
		return strings.TrimSpace(b.String())
	}
	fmt.Fprintf(&b, "%-*s %-*s %-*s %-*s %-*s %s\n",
		idColumnWidth, "id",
		stageColumnWidth, "stage",
		priorityColumnWidth, "prio",
		repoColumnWidth, "repo",
		cyclesColumnWidth, "cycles",
		"title",
	)
	for _, row := range s.Rows {
		fmt.Fprintf(&b, "%-*s %-*s %-*s %-*s %-*s %s\n",
			idColumnWidth, row.ID,
			stageColumnWidth, row.Stage,
			priorityColumnWidth, row.Priority,
			repoColumnWidth, row.Repo,
			cyclesColumnWidth, row.Cycles,
			row.Title,
		)
	}
	return strings.TrimSpace(b.String())
}

// GetSummary reads every task from the store and builds the summary.
// Terminal tasks count toward the totals but stay out of the table.
func GetSummary(taskStore *store.Store) (Summary, error) {
	tasks, err := taskStore.ListTasks()
	if err != nil {
		return Summary{}, fmt.Errorf("list tasks: %w", err)
	}

	summary := Summary{
		Total:   len(tasks),
		Counts:  make(map[stage.Stage]int),
		Fetched: time.Now(),
	}
	var rows []Row
	for _, t := range tasks {
		summary.Counts[t.Stage]++
		if t.Stage.IsSuspended() {
			summary.Awaiting++
		}
		if t.Stage.IsTerminal() {
			continue
		}
		rows = append(rows, Row{
			ID:       t.ID,
			Stage:    string(t.Stage),
			Priority: string(t.Priority),
			Repo:     truncate(t.Repo, repoColumnWidth),
			Cycles:   formatCycles(t),
			Title:    truncate(t.Title, titleMaxWidth),
			order:    displayOrder(t.Stage),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].order != rows[j].order {
			return rows[i].order < rows[j].order
		}
		return rows[i].ID < rows[j].ID
	})
	summary.Rows = rows
	return summary, nil
}

func displayOrder(s stage.Stage) int {
	if rank, ok := stageDisplayOrder[s]; ok {
		return rank
	}
	return len(stageDisplayOrder)
}

func formatCycles(t task.Task) string {
	if t.ReviewCycles == 0 && t.QACycles == 0 {
		return ""
	}
	return fmt.Sprintf("r%d/q%d", t.ReviewCycles, t.QACycles)
}

func truncate(value string, maxLen int) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) <= maxLen {
		return value
	}
	if maxLen <= 3 {
		return value[:maxLen]
	}
	return value[:maxLen-3] + "..."
}
