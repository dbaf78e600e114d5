package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// IssueTypeRule maps a keyword set to an issue-type label. Rules are
// evaluated in order, first match wins.
type IssueTypeRule struct {
	Label    string   `json:"label"`
	Keywords []string `json:"keywords"`
}

// LabelConfig holds the mapping tables between local issue fields and
// remote tracker labels, plus the responsible-person to remote-username
// mapping.
type LabelConfig struct {
	// SeverityLabels keys are severity levels as decimal strings.
	SeverityLabels map[string][]string `json:"severity_mapping"`
	// ProgressLabels keys are canonical issue statuses.
	ProgressLabels   map[string]string `json:"progress_mapping"`
	AdditionalLabels []string          `json:"additional_labels"`
	IssueTypeRules   []IssueTypeRule   `json:"issue_type_rules"`
	DefaultIssueType string            `json:"default_issue_type"`

	UserMapping     map[string]string `json:"user_mapping"`
	DefaultAssignee string            `json:"default_assignee"`
}

// DefaultLabelConfig returns the built-in mapping tables. A JSON file named
// by LABEL_CONFIG replaces them wholesale.
func DefaultLabelConfig() LabelConfig {
	return LabelConfig{
		SeverityLabels: map[string][]string{
			"1": {"客户需求::紧急"},
			"2": {"客户需求::中等"},
			"3": {"客户需求::一般"},
			"4": {"客户需求::一般"},
			// Fallback bucket for severity levels outside the table.
			"default": {"客户需求::一般"},
		},
		ProgressLabels: map[string]string{
			"open":        "进度::To do",
			"in_progress": "进度::Doing",
			"paused":      "进度::Pausing",
			"resolved":    "进度::Done",
			"closed":      "进度::Done",
		},
		IssueTypeRules: []IssueTypeRule{
			{Label: "议题类型::Bug", Keywords: []string{"bug", "错误", "故障", "问题", "崩溃", "异常"}},
			{Label: "议题类型::算法需求", Keywords: []string{"算法", "模型", "检测", "识别", "分析", "计算"}},
			{Label: "议题类型::新增功能", Keywords: []string{"新增", "添加", "开发", "实现", "功能", "模块"}},
		},
		DefaultIssueType: "议题类型::功能优化",
		UserMapping:      map[string]string{},
		DefaultAssignee:  "kohill",
	}
}

func loadLabelConfig(path string) (LabelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LabelConfig{}, err
	}

	cfg := DefaultLabelConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return LabelConfig{}, fmt.Errorf("parse label config: %w", err)
	}
	return cfg, nil
}
