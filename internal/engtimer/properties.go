package engtimer

import (
	"regexp"
	"strings"
)

// PropertyValue is the wire shape of one Notion page property. The Type
// field selects which payload is populated; extraction always switches on
// it explicitly so an unexpected shape is a visible zero result instead of
// a silent nil chase.
type PropertyValue struct {
	Type        string          `json:"type,omitempty"`
	Title       []RichTextValue `json:"title,omitempty"`
	RichText    []RichTextValue `json:"rich_text,omitempty"`
	Select      *SelectOption   `json:"select,omitempty"`
	Status      *SelectOption   `json:"status,omitempty"`
	MultiSelect []SelectOption  `json:"multi_select,omitempty"`
	Relation    []RelationRef   `json:"relation,omitempty"`
	Number      *float64        `json:"number,omitempty"`
}

type RichTextValue struct {
	PlainText string   `json:"plain_text,omitempty"`
	Text      *TextRun `json:"text,omitempty"`
}

type TextRun struct {
	Content string `json:"content"`
}

type SelectOption struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type RelationRef struct {
	ID string `json:"id"`
}

// RemotePage is one row of a remote database query result.
type RemotePage struct {
	ID         string                   `json:"id"`
	Properties map[string]PropertyValue `json:"properties"`
}

// DatabaseMapping binds one remote database id to the column names the
// engine reads and writes. Column names are user-configured strings; there
// is no auto-discovery of the remote schema.
type DatabaseMapping struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TitleProp    string `json:"titleProp"`
	StatusProp   string `json:"statusProp"`
	CategoryProp string `json:"categoryProp,omitempty"`
	ProjectProp  string `json:"projectProp,omitempty"`
	PriorityProp string `json:"priorityProp,omitempty"`
}

func richTextPlain(parts []RichTextValue) string {
	var b strings.Builder
	for _, part := range parts {
		if part.PlainText != "" {
			b.WriteString(part.PlainText)
			continue
		}
		if part.Text != nil {
			b.WriteString(part.Text.Content)
		}
	}
	return b.String()
}

// Title extracts the page title through the configured title column,
// falling back to "Untitled" when the column is absent, empty, or not a
// title-shaped property.
func (m DatabaseMapping) Title(page RemotePage) string {
	prop, ok := page.Properties[m.TitleProp]
	if !ok {
		return "Untitled"
	}
	var text string
	switch {
	case len(prop.Title) > 0:
		text = richTextPlain(prop.Title)
	case len(prop.RichText) > 0:
		text = richTextPlain(prop.RichText)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "Untitled"
	}
	return text
}

// StatusName reads the status column, supporting both select and status
// remote shapes. Empty or unknown shapes come back as "".
func (m DatabaseMapping) StatusName(page RemotePage) string {
	prop, ok := page.Properties[m.StatusProp]
	if !ok {
		return ""
	}
	switch {
	case prop.Select != nil:
		return prop.Select.Name
	case prop.Status != nil:
		return prop.Status.Name
	default:
		return ""
	}
}

// CategoryName reads the category column, supporting select and
// multi_select (first value wins). Default is "General".
func (m DatabaseMapping) CategoryName(page RemotePage) string {
	prop, ok := page.Properties[m.CategoryProp]
	if !ok {
		return "General"
	}
	switch {
	case prop.Select != nil && prop.Select.Name != "":
		return prop.Select.Name
	case len(prop.MultiSelect) > 0 && prop.MultiSelect[0].Name != "":
		return prop.MultiSelect[0].Name
	default:
		return "General"
	}
}

// CategoryColor maps the select color token of the category column (or,
// failing that, the status column) to a local hex color.
func (m DatabaseMapping) CategoryColor(page RemotePage) string {
	token := "default"
	if prop, ok := page.Properties[m.CategoryProp]; ok && prop.Select != nil && prop.Select.Color != "" {
		token = prop.Select.Color
	} else if prop, ok := page.Properties[m.StatusProp]; ok && prop.Select != nil && prop.Select.Color != "" {
		token = prop.Select.Color
	}
	return PaletteColor(token)
}

// PriorityName reads the priority column, defaulting the column name to
// "Priority" and the value to "Medium".
func (m DatabaseMapping) PriorityName(page RemotePage) string {
	name := m.PriorityProp
	if name == "" {
		name = "Priority"
	}
	prop, ok := page.Properties[name]
	if !ok || prop.Select == nil || prop.Select.Name == "" {
		return "Medium"
	}
	return prop.Select.Name
}

// FirstRelationID returns the first related page id of the project
// relation column, or "" when the relation is empty or the column has a
// different shape.
func (m DatabaseMapping) FirstRelationID(page RemotePage) string {
	prop, ok := page.Properties[m.ProjectProp]
	if !ok || len(prop.Relation) == 0 {
		return ""
	}
	return prop.Relation[0].ID
}

// Outbound property builders. Each produces the typed value wrapper the
// remote schema expects for its column type.

func TitleProperty(content string) PropertyValue {
	return PropertyValue{Title: []RichTextValue{{Text: &TextRun{Content: content}}}}
}

func SelectProperty(name string) PropertyValue {
	return PropertyValue{Select: &SelectOption{Name: name}}
}

func RelationProperty(ids []string) PropertyValue {
	refs := make([]RelationRef, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		refs = append(refs, RelationRef{ID: id})
	}
	return PropertyValue{Relation: refs}
}

func NumberProperty(value float64) PropertyValue {
	return PropertyValue{Number: &value}
}

var statusSynonyms = map[string]string{
	"进行中":  "In Progress",
	"正在进行": "In Progress",
	"暂停":   "Paused",
	"挂起":   "Paused",
	"完成":   "Done",
	"已完成":  "Done",
	"规划中":  "Planned",
	"计划中":  "Planned",
}

// StatusOptions is the canonical status cycle order.
var StatusOptions = []string{"To Do", "In Progress", "Paused", "Planned", "Done"}

// NormalizeStatus folds known Chinese synonyms into the canonical English
// statuses. Empty input becomes "To Do"; unknown strings pass through
// unchanged, which makes the function idempotent.
func NormalizeStatus(status string) string {
	if status == "" {
		return "To Do"
	}
	if mapped, ok := statusSynonyms[status]; ok {
		return mapped
	}
	return status
}

// CycleStatus returns the status after the given one in the canonical
// order, wrapping around. Unknown statuses restart the cycle.
func CycleStatus(current string) string {
	normalized := NormalizeStatus(current)
	for i, s := range StatusOptions {
		if strings.EqualFold(s, normalized) {
			return StatusOptions[(i+1)%len(StatusOptions)]
		}
	}
	return StatusOptions[0]
}

var notionPalette = map[string]string{
	"default": "#94a3b8",
	"gray":    "#64748b",
	"brown":   "#92400e",
	"orange":  "#f97316",
	"yellow":  "#eab308",
	"green":   "#22c55e",
	"blue":    "#3b82f6",
	"purple":  "#a855f7",
	"pink":    "#ec4899",
	"red":     "#ef4444",
}

// DefaultProjectColor is used for locally created projects.
const DefaultProjectColor = "#3b82f6"

// PaletteColor maps a remote select color token to a local hex color.
func PaletteColor(token string) string {
	if hex, ok := notionPalette[token]; ok {
		return hex
	}
	return notionPalette["default"]
}

var notionIDPattern = regexp.MustCompile(`[0-9a-fA-F]{32}`)

// NormalizeNotionID extracts a 32-hex-digit Notion id from pasted input
// (full URLs included) and reformats it with dashes. Anything else is
// returned trimmed.
func NormalizeNotionID(input string) string {
	if input == "" {
		return ""
	}
	match := notionIDPattern.FindString(input)
	if match == "" {
		return strings.TrimSpace(input)
	}
	raw := strings.ToLower(match)
	return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:]
}
