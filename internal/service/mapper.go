package service

import (
	"strconv"
	"strings"

	"github.com/kohill/issuesync/internal/config"
	"github.com/kohill/issuesync/internal/domain"
)

// ProgressLabelPrefix marks the one remote label that denotes workflow
// stage; all progress labels have the form "进度::<Stage>".
const ProgressLabelPrefix = "进度::"

// responsibleSeparators lists the separators a responsible-person field may
// use to join multiple names, in detection order. The field is split on the
// first one found.
var responsibleSeparators = []string{"/", "、", ",", "，", ";", "；"}

// Mapper holds the mapping tables between local issue fields and remote
// labels and usernames. All methods are pure lookups, no I/O.
type Mapper struct {
	labels config.LabelConfig
}

// NewMapper creates a Mapper over the given mapping tables.
func NewMapper(labels config.LabelConfig) *Mapper {
	return &Mapper{labels: labels}
}

// SeverityLabels maps a severity level to remote labels. Levels outside
// the table fall back to the "default" bucket.
func (m *Mapper) SeverityLabels(level int) []string {
	if labels, ok := m.labels.SeverityLabels[strconv.Itoa(level)]; ok {
		return labels
	}
	return m.labels.SeverityLabels["default"]
}

// ProgressLabel maps a local status to its remote progress label. Unknown
// statuses map to the To do stage.
func (m *Mapper) ProgressLabel(status domain.IssueStatus) string {
	if label, ok := m.labels.ProgressLabels[string(status)]; ok {
		return label
	}
	return ProgressLabelPrefix + "To do"
}

// ClassifyIssueType resolves an issue-type label from the problem
// description. Rules are checked in order, first keyword hit wins, and
// descriptions matching no rule get the default type.
func (m *Mapper) ClassifyIssueType(description string) string {
	desc := strings.ToLower(description)
	for _, rule := range m.labels.IssueTypeRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(desc, strings.ToLower(kw)) {
				return rule.Label
			}
		}
	}
	return m.labels.DefaultIssueType
}

// AdditionalLabels returns the fixed labels attached to every created
// remote issue.
func (m *Mapper) AdditionalLabels() []string {
	return m.labels.AdditionalLabels
}

// ExtractProgressFromLabels returns the first progress label in a remote
// label set. When none is present the remote state decides: closed issues
// carry no progress stage (empty string), open ones are To do.
func (m *Mapper) ExtractProgressFromLabels(labels []string, state string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, ProgressLabelPrefix) {
			return label
		}
	}
	if state == "closed" {
		return ""
	}
	return ProgressLabelPrefix + "To do"
}

// SplitResponsiblePersons splits a responsible-person field that may
// encode several people. The field is split on the first separator found
// among the supported set; blank names are dropped.
func SplitResponsiblePersons(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	parts := []string{text}
	for _, sep := range responsibleSeparators {
		if strings.Contains(text, sep) {
			parts = strings.Split(text, sep)
			break
		}
	}

	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// ResolveUsername maps a person's name to a remote username: exact match
// first, then fuzzy containment in either direction, then matching on the
// trailing character as a surname. This is a deliberate heuristic; names
// it cannot place resolve to nothing and the caller falls back to the
// default assignee.
func (m *Mapper) ResolveUsername(name string) (string, bool) {
	if username, ok := m.labels.UserMapping[name]; ok {
		return username, true
	}

	lower := strings.ToLower(name)
	for mapped, username := range m.labels.UserMapping {
		mappedLower := strings.ToLower(mapped)
		if strings.Contains(mappedLower, lower) || strings.Contains(lower, mappedLower) {
			return username, true
		}
	}

	if runes := []rune(name); len(runes) >= 2 {
		surname := string(runes[len(runes)-1])
		for mapped, username := range m.labels.UserMapping {
			if strings.HasSuffix(mapped, surname) {
				return username, true
			}
		}
	}

	return "", false
}

// AssigneeUsernames resolves a responsible-person field to remote
// usernames, one per resolvable name, deduplicated. When nothing resolves
// the configured default assignee is used so created issues are never
// unassigned.
func (m *Mapper) AssigneeUsernames(responsiblePerson string) []string {
	var usernames []string
	seen := make(map[string]bool)

	for _, name := range SplitResponsiblePersons(responsiblePerson) {
		if username, ok := m.ResolveUsername(name); ok && !seen[username] {
			usernames = append(usernames, username)
			seen[username] = true
		}
	}

	if len(usernames) == 0 && m.labels.DefaultAssignee != "" {
		usernames = append(usernames, m.labels.DefaultAssignee)
	}
	return usernames
}
