package display

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents different output format options
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat validates an output format name
func ParseFormat(name string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(name)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", fmt.Errorf("unsupported output format %q (use table, json or yaml)", name)
}

// Config controls how command output is rendered
type Config struct {
	Format     OutputFormat
	NoColor    bool
	Theme      string
	TableStyle string
	Quiet      bool
	Out        io.Writer
	Err        io.Writer
}

// Printer writes status messages and structured results for the CLI
type Printer struct {
	out    io.Writer
	err    io.Writer
	format OutputFormat
	quiet  bool
	colors *ColorSystem
	theme  ColorTheme
	border BorderStyle
}

// NewPrinter creates a printer. Structured formats never carry colors.
func NewPrinter(cfg Config) *Printer {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Err == nil {
		cfg.Err = os.Stderr
	}
	if cfg.Format == "" {
		cfg.Format = FormatTable
	}
	return &Printer{
		out:    cfg.Out,
		err:    cfg.Err,
		format: cfg.Format,
		quiet:  cfg.Quiet,
		colors: NewColorSystem(cfg.NoColor || cfg.Format != FormatTable),
		theme:  ThemeByName(cfg.Theme),
		border: BorderStyleByName(cfg.TableStyle),
	}
}

// Format returns the output format
func (p *Printer) Format() OutputFormat {
	return p.format
}

// Structured reports whether results are emitted as JSON or YAML
func (p *Printer) Structured() bool {
	return p.format != FormatTable
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	p.message(p.theme.Success, "✓", format, args...)
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...interface{}) {
	p.message(p.theme.Info, "•", format, args...)
}

// Warning prints a warning to stderr
func (p *Printer) Warning(format string, args ...interface{}) {
	fmt.Fprintln(p.err, p.colors.Colorize("! "+fmt.Sprintf(format, args...), p.theme.Warning))
}

// Error prints an error to stderr; never suppressed
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.err, p.colors.Colorize("✗ "+fmt.Sprintf(format, args...), p.theme.Error))
}

// message goes to stderr for structured output so stdout stays parseable
func (p *Printer) message(clr Color, icon, format string, args ...interface{}) {
	if p.quiet {
		return
	}
	w := p.out
	if p.Structured() {
		w = p.err
	}
	fmt.Fprintln(w, p.colors.Colorize(icon+" "+fmt.Sprintf(format, args...), clr))
}

// Field prints an aligned "label: value" line in table mode
func (p *Printer) Field(label string, value interface{}) {
	if p.Structured() {
		return
	}
	fmt.Fprintf(p.out, "  %-18s %v\n", p.colors.Colorize(label+":", p.theme.Muted), value)
}

// Encode writes v as JSON or YAML
func (p *Printer) Encode(v interface{}) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("format %s is not structured", p.format)
}

// Result prints v in the structured format, or calls render for table output
func (p *Printer) Result(v interface{}, render func()) error {
	if p.Structured() {
		return p.Encode(v)
	}
	render()
	return nil
}

// NewTable creates a table in the printer's style
func (p *Printer) NewTable(headers ...string) *Table {
	t := NewTable(p.colors, p.theme, p.border)
	t.SetHeaders(headers...)
	return t
}

// RenderTable writes t, or a placeholder when it has no rows
func (p *Printer) RenderTable(t *Table, empty string) {
	if t.Len() == 0 {
		p.Info("%s", empty)
		return
	}
	t.RenderTo(p.out)
}

// Confirm asks a yes/no question on in; anything but y or yes declines
func (p *Printer) Confirm(in io.Reader, prompt string) bool {
	fmt.Fprint(p.err, p.colors.Colorize(prompt+" [y/N]: ", p.theme.Warning))
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// Status colors a lifecycle status by how healthy it is
func (p *Printer) Status(status string) string {
	return p.colors.Colorize(status, p.StatusColor(status))
}

// StatusColor picks the theme color for a status name
func (p *Printer) StatusColor(status string) Color {
	switch strings.ToLower(status) {
	case "completed", "verified", "validated", "success", "active", "enabled":
		return p.theme.Success
	case "failed", "verification_failed", "corrupted", "partial":
		return p.theme.Error
	case "pending", "running", "verifying", "in_progress", "idle":
		return p.theme.Warning
	}
	return p.theme.Muted
}

// FormatBytes renders a byte count in binary units
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatTime renders a timestamp for tables; nil renders as "-"
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatDuration rounds a duration for display
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
