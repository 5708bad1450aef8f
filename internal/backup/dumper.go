package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Environment variables handed to the dump and restore commands
const (
	EnvTenantID = "BACKUP_TENANT_ID"
	EnvType     = "BACKUP_TYPE"
	EnvSince    = "BACKUP_SINCE"
	EnvOutput   = "BACKUP_OUTPUT"
	EnvInput    = "BACKUP_INPUT"
	EnvInclude  = "BACKUP_INCLUDE"
	EnvExclude  = "BACKUP_EXCLUDE"
	EnvTarget   = "BACKUP_TARGET"
	EnvBackupID = "BACKUP_ID"
)

const (
	maxCapturedStderr = 4096
	// grace period for output pipes after the command is killed
	commandWaitDelay = 2 * time.Second
)

// DumpRequest describes one invocation of the engine-specific dump tool
type DumpRequest struct {
	TenantID   string
	BackupID   string
	Type       BackupType
	Since      *time.Time
	OutputPath string
	Include    []string
	Exclude    []string
}

// Dumper produces a raw dump of a tenant's data at OutputPath
type Dumper interface {
	Dump(ctx context.Context, req DumpRequest) error
}

// RestoreRequest describes one invocation of the engine-specific restore tool
type RestoreRequest struct {
	TenantID  string
	BackupID  string
	Type      BackupType
	InputPath string
	Target    string
}

// Restorer applies a materialized artifact to the target data store
type Restorer interface {
	Restore(ctx context.Context, req RestoreRequest) error
}

// CommandConfig names an external command and its fixed arguments
type CommandConfig struct {
	Path    string        `mapstructure:"path" yaml:"path"`
	Args    []string      `mapstructure:"args" yaml:"args,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Env     []string      `mapstructure:"env" yaml:"env,omitempty"`
}

// Validate validates the command configuration
func (c *CommandConfig) Validate(field string) error {
	var errors ValidationErrors
	if strings.TrimSpace(c.Path) == "" {
		errors.Add(field+".path", "command path is required", c.Path)
	}
	if c.Timeout < 0 {
		errors.Add(field+".timeout", "timeout cannot be negative", c.Timeout)
	}
	if errors.HasErrors() {
		return errors
	}
	return nil
}

// CommandDumper runs an external command to produce a dump. The command either
// writes to $BACKUP_OUTPUT or streams the dump to stdout.
type CommandDumper struct {
	config CommandConfig
}

// NewCommandDumper creates a dumper for the configured command
func NewCommandDumper(config CommandConfig) (*CommandDumper, error) {
	if err := config.Validate("commands.dump"); err != nil {
		return nil, NewConfigurationError("invalid dump command", err)
	}
	return &CommandDumper{config: config}, nil
}

// Dump implements Dumper
func (d *CommandDumper) Dump(ctx context.Context, req DumpRequest) error {
	env := []string{
		EnvTenantID + "=" + req.TenantID,
		EnvBackupID + "=" + req.BackupID,
		EnvType + "=" + string(req.Type),
		EnvOutput + "=" + req.OutputPath,
		EnvInclude + "=" + strings.Join(req.Include, ","),
		EnvExclude + "=" + strings.Join(req.Exclude, ","),
	}
	if req.Since != nil {
		env = append(env, EnvSince+"="+req.Since.UTC().Format(time.RFC3339Nano))
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return NewExecutionError(fmt.Sprintf("failed to create dump output %s", req.OutputPath), err)
	}

	// stdout is captured into the output file unless the tool writes it itself
	runErr := runCommand(ctx, d.config, env, out)
	closeErr := out.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return NewExecutionError("failed to close dump output", closeErr)
	}
	return nil
}

// CommandRestorer runs an external command that applies an artifact found at $BACKUP_INPUT
type CommandRestorer struct {
	config CommandConfig
}

// NewCommandRestorer creates a restorer for the configured command
func NewCommandRestorer(config CommandConfig) (*CommandRestorer, error) {
	if err := config.Validate("commands.restore"); err != nil {
		return nil, NewConfigurationError("invalid restore command", err)
	}
	return &CommandRestorer{config: config}, nil
}

// Restore implements Restorer
func (r *CommandRestorer) Restore(ctx context.Context, req RestoreRequest) error {
	env := []string{
		EnvTenantID + "=" + req.TenantID,
		EnvBackupID + "=" + req.BackupID,
		EnvType + "=" + string(req.Type),
		EnvInput + "=" + req.InputPath,
		EnvTarget + "=" + req.Target,
	}
	return runCommand(ctx, r.config, env, nil)
}

func runCommand(ctx context.Context, config CommandConfig, env []string, stdout *os.File) error {
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, config.Path, config.Args...)
	cmd.Env = append(append(os.Environ(), config.Env...), env...)
	cmd.WaitDelay = commandWaitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &limitedBuffer{buf: &stderr, limit: maxCapturedStderr}
	if stdout != nil {
		cmd.Stdout = stdout
	}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NewTimeoutError(fmt.Sprintf("command %s did not finish", config.Path), ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return NewExecutionError(fmt.Sprintf("command %s failed: %s", config.Path, msg), err)
	}
	return nil
}

// limitedBuffer keeps the first limit bytes and discards the rest
type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.limit - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
