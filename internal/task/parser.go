// Package task provides parsing of tracker issue records into tasks.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nightshift-dev/nightshift/internal/stage"
)

// ErrMissingFrontmatter indicates the record body did not start with a YAML fence.
var ErrMissingFrontmatter = errors.New("task record is missing frontmatter")

// ErrMalformedFrontmatter indicates the YAML block could not be closed.
var ErrMalformedFrontmatter = errors.New("task record frontmatter is malformed")

// Record is a raw issue record consumed from the tracker.
type Record struct {
	ID        string
	Title     string
	Body      string
	Labels    []string
	CreatedAt time.Time
}

// frontmatter mirrors the YAML metadata block of a task record.
type frontmatter struct {
	Repo         string       `yaml:"repo"`
	NewRepo      bool         `yaml:"new_repo"`
	Description  string       `yaml:"description"`
	Private      bool         `yaml:"private"`
	Priority     string       `yaml:"priority"`
	Schedule     string       `yaml:"schedule"`
	NightOnly    bool         `yaml:"night_only"`
	HumanReview  bool         `yaml:"human_review"`
	Group        string       `yaml:"group"`
	DependsOn    flexibleList `yaml:"depends_on"`
	BranchPrefix string       `yaml:"branch_prefix"`
}

// flexibleList accepts a YAML scalar or sequence of task identities.
type flexibleList []string

// UnmarshalYAML decodes either a single identity or a list of them.
func (list *flexibleList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		value := strings.TrimSpace(node.Value)
		if value == "" {
			*list = nil
			return nil
		}
		*list = flexibleList{value}
		return nil
	case yaml.SequenceNode:
		values := make(flexibleList, 0, len(node.Content))
		for _, item := range node.Content {
			value := strings.TrimSpace(item.Value)
			if value == "" {
				continue
			}
			values = append(values, value)
		}
		*list = values
		return nil
	default:
		return fmt.Errorf("depends_on must be a scalar or a list")
	}
}

// Parse builds a Task from a tracker record, applying documented defaults.
// The current stage comes from the record labels; missing stage labels mean
// the task is newly admitted and starts at ready.
func Parse(record Record) (Task, error) {
	if strings.TrimSpace(record.ID) == "" {
		return Task{}, errors.New("record id is required")
	}

	meta, body, err := splitFrontmatter(record.Body)
	if err != nil {
		return Task{}, fmt.Errorf("parse record %s: %w", record.ID, err)
	}

	taskSection, contextSection, criteria := parseBodySections(body)

	parsed := Task{
		ID:                 record.ID,
		Title:              record.Title,
		Repo:               strings.TrimSpace(meta.Repo),
		NewRepo:            meta.NewRepo,
		RepoDesc:           meta.Description,
		Private:            meta.Private,
		Priority:           normalizePriority(meta.Priority),
		Schedule:           normalizeSchedule(meta.Schedule),
		NightOnly:          meta.NightOnly,
		HumanReview:        meta.HumanReview,
		Group:              strings.TrimSpace(meta.Group),
		DependsOn:          meta.DependsOn,
		BranchPrefix:       normalizeBranchPrefix(meta.BranchPrefix),
		Stage:              stage.FromLabels(record.Labels),
		TaskSection:        taskSection,
		ContextSection:     contextSection,
		AcceptanceCriteria: criteria,
		RawBody:            body,
		CreatedAt:          record.CreatedAt,
	}

	if err := parsed.Validate(); err != nil {
		return Task{}, fmt.Errorf("parse record %s: %w", record.ID, err)
	}
	return parsed, nil
}

// splitFrontmatter separates the YAML metadata block from the record body.
func splitFrontmatter(body string) (frontmatter, string, error) {
	normalized := strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\r", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return frontmatter{}, "", ErrMissingFrontmatter
	}
	rest := normalized[4:]
	metaBlock, content, ok := strings.Cut(rest, "\n---\n")
	if !ok {
		if trimmed, found := strings.CutSuffix(rest, "\n---"); found {
			metaBlock, content = trimmed, ""
		} else {
			return frontmatter{}, "", ErrMalformedFrontmatter
		}
	}
	var meta frontmatter
	if err := yaml.Unmarshal([]byte(metaBlock), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("decode frontmatter: %w", err)
	}
	return meta, strings.TrimSpace(content), nil
}

// parseBodySections extracts the Task, Context, and Acceptance Criteria sections.
func parseBodySections(content string) (string, string, string) {
	sections := map[string][]string{}
	current := ""
	for _, line := range strings.Split(content, "\n") {
		stripped := strings.ToLower(strings.TrimSpace(line))
		if heading, ok := strings.CutPrefix(stripped, "## "); ok {
			current = strings.TrimSpace(heading)
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}
	join := func(name string) string {
		return strings.TrimSpace(strings.Join(sections[name], "\n"))
	}
	return join("task"), join("context"), join("acceptance criteria")
}

// normalizePriority defaults unknown priorities to medium.
func normalizePriority(value string) Priority {
	priority := Priority(strings.ToLower(strings.TrimSpace(value)))
	if !priority.IsValid() {
		return PriorityMedium
	}
	return priority
}

// normalizeSchedule defaults unknown schedules to once.
func normalizeSchedule(value string) Schedule {
	schedule := Schedule(strings.ToLower(strings.TrimSpace(value)))
	if !schedule.IsValid() {
		return ScheduleOnce
	}
	return schedule
}

// normalizeBranchPrefix defaults empty prefixes and strips path separators.
func normalizeBranchPrefix(value string) string {
	trimmed := strings.Trim(strings.TrimSpace(value), "/")
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}
