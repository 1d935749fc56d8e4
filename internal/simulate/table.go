package simulate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Purpose names a control the strategy needs.
type Purpose string

const (
	PurposeSourcesTab Purpose = "sources_tab"
	PurposeAddTrigger Purpose = "add_trigger"
	// PurposeTextMenu is the section that nests the text option on some layouts.
	PurposeTextMenu   Purpose = "text_menu"
	PurposeTextOption Purpose = "text_option"
	PurposeLinkMenu   Purpose = "link_menu"
	PurposeLinkOption Purpose = "link_option"
	PurposeTextField  Purpose = "text_field"
	PurposeURLField   Purpose = "url_field"
	PurposeConfirm    Purpose = "confirm"
)

// MatchMode is how a label is compared with an element's text.
type MatchMode string

const (
	MatchExact MatchMode = "exact"
	// MatchContains tolerates icons and whitespace around the label.
	MatchContains MatchMode = "contains"
	// MatchContainsFold is MatchContains ignoring case.
	MatchContainsFold MatchMode = "contains_fold"
)

// Matcher describes one way to find a control. Candidates are the elements
// matching Selector; when Labels is set, the candidate's trimmed text (or
// Attr, if set) must match one of them under Mode.
type Matcher struct {
	Selector string    `json:"selector" yaml:"selector"`
	Attr     string    `json:"attr,omitempty" yaml:"attr,omitempty"`
	Labels   []string  `json:"labels,omitempty" yaml:"labels,omitempty"`
	Mode     MatchMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Scope restricts candidates to descendants of elements matching it.
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
	// ScopeLabels requires the scope element's text to contain one of these.
	ScopeLabels []string `json:"scopeLabels,omitempty" yaml:"scopeLabels,omitempty"`
	VisibleOnly bool     `json:"visibleOnly,omitempty" yaml:"visibleOnly,omitempty"`
	// EnabledOnly skips disabled candidates.
	EnabledOnly bool `json:"enabledOnly,omitempty" yaml:"enabledOnly,omitempty"`
}

// Table maps each purpose to candidate matchers tried in order; the first
// hit wins.
type Table map[Purpose][]Matcher

var (
	sourcesLabels = []string{"출처", "sources", "소스"}
	dialogScope   = `.upload-dialog-panel, mat-bottom-sheet-container, [role="dialog"], mat-dialog-container`
)

// DefaultTable holds the labels and selectors of the target UI in Korean
// and English. Update this when the target's UI changes.
func DefaultTable() Table {
	return Table{
		PurposeSourcesTab: {
			{Selector: `[role="tab"], button[class*="tab"], mat-tab-header button, .mat-mdc-tab`, Labels: sourcesLabels, Mode: MatchContainsFold},
			{Selector: `nav button, nav a, [class*="nav"] button`, Labels: sourcesLabels, Mode: MatchContainsFold},
			{Selector: `[class*="bottom-nav"] *, [class*="tab-bar"] *`, Labels: []string{"출처", "sources"}, Mode: MatchContainsFold},
		},
		PurposeAddTrigger: {
			{Selector: `button.add-source-button`, EnabledOnly: true},
			{Selector: `button[aria-label="출처 추가"]`, EnabledOnly: true},
			{Selector: `button[aria-label="소스 추가"]`, EnabledOnly: true},
			{Selector: `button[aria-label="업로드 소스 대화상자 열기"]`, EnabledOnly: true},
			{Selector: `button[aria-label="Add source"]`, EnabledOnly: true},
			{Selector: `button.upload-button`, EnabledOnly: true},
			{Selector: `button.upload-icon-button`, EnabledOnly: true},
			{Selector: `button`, Labels: []string{"소스 추가", "소스 업로드", "Add source"}, Mode: MatchContains},
			{Selector: `button`, Labels: []string{"upload"}, Mode: MatchExact},
		},
		PurposeTextMenu: {
			{Selector: `*`, Labels: []string{"텍스트 붙여넣기", "Paste text"}, Mode: MatchExact},
		},
		PurposeTextOption: {
			{Selector: `*`, Labels: []string{"복사된 텍스트", "Copied text"}, Mode: MatchExact, Scope: dialogScope},
			{Selector: `*`, Labels: []string{"복사된 텍스트", "Copied text"}, Mode: MatchExact},
		},
		PurposeLinkMenu: {
			{Selector: `*`, Labels: []string{"링크", "Link"}, Mode: MatchExact},
		},
		PurposeLinkOption: {
			{Selector: `span, div, button, a`, Labels: []string{"웹사이트", "Website"}, Mode: MatchExact},
		},
		PurposeTextField: {
			{Selector: `textarea.text-area`, VisibleOnly: true},
			{Selector: `textarea`, Scope: `.upload-dialog-panel, [role="dialog"], mat-dialog-container`, VisibleOnly: true},
		},
		PurposeURLField: {
			{
				Selector:    `textarea`,
				Scope:       `mat-dialog-container, [role="dialog"], .cdk-overlay-pane`,
				ScopeLabels: []string{"웹사이트 URL", "URL 붙여넣기", "Paste URL"},
				VisibleOnly: true,
			},
			{Selector: `textarea`, Attr: "placeholder", Labels: []string{"url", "붙여넣기", "paste"}, Mode: MatchContainsFold, VisibleOnly: true},
			{Selector: `textarea`, VisibleOnly: true},
		},
		PurposeConfirm: {
			{Selector: `button`, Labels: []string{"삽입", "Insert"}, Mode: MatchExact},
		},
	}
}

// Merge overlays other onto t, replacing whole purposes.
func (t Table) Merge(other Table) Table {
	out := make(Table, len(t)+len(other))
	for p, ms := range t {
		out[p] = ms
	}
	for p, ms := range other {
		out[p] = ms
	}
	return out
}

// LoadTable reads purpose overrides from a YAML file and merges them over
// DefaultTable. An empty path returns the defaults.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matcher table: %w", err)
	}
	var overrides Table
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse matcher table %s: %w", path, err)
	}
	for p, ms := range overrides {
		if len(ms) == 0 {
			return nil, fmt.Errorf("matcher table %s: purpose %q has no matchers", path, p)
		}
		for i, m := range ms {
			if m.Selector == "" {
				return nil, fmt.Errorf("matcher table %s: %s[%d] has no selector", path, p, i)
			}
		}
	}
	return DefaultTable().Merge(overrides), nil
}
