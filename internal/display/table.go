package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
	Cross       string
	TopTee      string
	BottomTee   string
	LeftTee     string
	RightTee    string
}

// Border styles
var (
	ASCIIBorderStyle = BorderStyle{
		TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		Horizontal: "-", Vertical: "|",
		Cross: "+", TopTee: "+", BottomTee: "+", LeftTee: "+", RightTee: "+",
	}

	RoundedBorderStyle = BorderStyle{
		TopLeft: "╭", TopRight: "╮", BottomLeft: "╰", BottomRight: "╯",
		Horizontal: "─", Vertical: "│",
		Cross: "┼", TopTee: "┬", BottomTee: "┴", LeftTee: "├", RightTee: "┤",
	}

	NoBorderStyle = BorderStyle{}
)

// BorderStyleByName maps a style name to its borders
func BorderStyleByName(name string) BorderStyle {
	switch name {
	case "rounded":
		return RoundedBorderStyle
	case "minimal", "compact":
		return NoBorderStyle
	}
	return ASCIIBorderStyle
}

// Table renders rows of cells with borders fitted to the terminal width
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	colors     *ColorSystem
	theme      ColorTheme
}

// NewTable creates a table. colors may be nil for plain output.
func NewTable(colors *ColorSystem, theme ColorTheme, border BorderStyle) *Table {
	return &Table{
		alignments: make(map[int]Alignment),
		border:     border,
		padding:    1,
		maxWidth:   getTerminalWidth(),
		colors:     colors,
		theme:      theme,
	}
}

// SetHeaders sets the table headers
func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetColumnAlignment sets the alignment for a column
func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetMaxWidth overrides the detected terminal width; 0 disables fitting
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.fitWidths(t.columnWidths())

	var b strings.Builder
	if t.border.Horizontal != "" {
		b.WriteString(t.rule(widths, t.border.TopLeft, t.border.TopTee, t.border.TopRight))
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		if t.border.Horizontal != "" {
			b.WriteString(t.rule(widths, t.border.LeftTee, t.border.Cross, t.border.RightTee))
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	if t.border.Horizontal != "" {
		b.WriteString(t.rule(widths, t.border.BottomLeft, t.border.BottomTee, t.border.BottomRight))
	}
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := visibleWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for i := range widths {
		widths[i] += t.padding * 2
	}
	return widths
}

// fitWidths narrows the widest column one cell at a time until the table
// fits maxWidth or every column is at its minimum
func (t *Table) fitWidths(widths []int) []int {
	if t.maxWidth <= 0 || len(widths) == 0 {
		return widths
	}
	total := 0
	for _, w := range widths {
		total += w
	}
	if t.border.Vertical != "" {
		total += len(widths) + 1
	}

	minWidth := t.padding*2 + 3
	for total > t.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
		total--
	}
	return widths
}

func (t *Table) rule(widths []int, left, mid, right string) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString(t.border.Vertical)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(t.formatCell(cell, w, t.alignments[i], header))
		b.WriteString(t.border.Vertical)
	}
	return strings.TrimRight(b.String(), " ") + "\n"
}

func (t *Table) formatCell(content string, width int, alignment Alignment, header bool) string {
	contentWidth := width - t.padding*2
	if contentWidth < 0 {
		contentWidth = 0
	}
	if visibleWidth(content) > contentWidth {
		runes := []rune(stripANSI(content))
		if contentWidth > 3 {
			content = string(runes[:contentWidth-3]) + "..."
		} else {
			content = string(runes[:contentWidth])
		}
	}

	// pad on the visible width; escape codes are added afterwards
	fill := strings.Repeat(" ", contentWidth-visibleWidth(content))
	if header && t.colors != nil {
		content = t.colors.Colorize(content, t.theme.Primary)
	}
	pad := strings.Repeat(" ", t.padding)
	if alignment == AlignRight {
		return pad + fill + content + pad
	}
	return pad + content + fill + pad
}

// stripANSI removes SGR escape sequences such as the ones fatih/color emits
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func visibleWidth(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(0)
	if err != nil {
		return 0
	}
	return width
}
