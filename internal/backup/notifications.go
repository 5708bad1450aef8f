package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeBackupFailed       AlertType = "backup_failed"
	AlertTypeVerificationFailed AlertType = "verification_failed"
	AlertTypeRestoreFailed      AlertType = "restore_failed"
	AlertTypeRecoveryFailed     AlertType = "recovery_failed"
	AlertTypeCleanupFailed      AlertType = "cleanup_failed"
	AlertTypeScheduleFailed     AlertType = "schedule_failed"
)

// AlertSeverity represents the severity of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

var severityLevels = map[AlertSeverity]int{
	AlertSeverityInfo:     1,
	AlertSeverityWarning:  2,
	AlertSeverityCritical: 3,
}

// Alert is an operator-facing event
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	BackupID  string                 `json:"backup_id,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert creates an alert stamped with a fresh id and the current time
func NewAlert(alertType AlertType, severity AlertSeverity, title, message string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
}

// Notifier delivers alerts. The orchestrator and recovery executor only see this interface.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NopNotifier drops every alert
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(context.Context, Alert) error { return nil }

// NotificationConfig holds configuration for notifications
type NotificationConfig struct {
	Enabled   bool                `mapstructure:"enabled" yaml:"enabled"`
	Webhook   *WebhookConfig      `mapstructure:"webhook" yaml:"webhook,omitempty"`
	Log       bool                `mapstructure:"log" yaml:"log"`
	Filters   NotificationFilters `mapstructure:"filters" yaml:"filters"`
	RateLimit RateLimitConfig     `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// WebhookConfig for generic webhook notifications
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Method  string            `mapstructure:"method" yaml:"method,omitempty"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// NotificationFilters define which alerts should trigger notifications
type NotificationFilters struct {
	MinSeverity  AlertSeverity `mapstructure:"min_severity" yaml:"min_severity"`
	AlertTypes   []AlertType   `mapstructure:"alert_types" yaml:"alert_types,omitempty"`
	ExcludeTypes []AlertType   `mapstructure:"exclude_types" yaml:"exclude_types,omitempty"`
}

// RateLimitConfig prevents notification spam
type RateLimitConfig struct {
	MaxPerHour int `mapstructure:"max_per_hour" yaml:"max_per_hour"`
	// CooldownTime suppresses repeats of the same alert type for the same tenant
	CooldownTime time.Duration `mapstructure:"cooldown_time" yaml:"cooldown_time"`
}

// Validate validates the notification configuration
func (nc *NotificationConfig) Validate() error {
	var errors ValidationErrors
	if nc.Filters.MinSeverity != "" {
		if _, ok := severityLevels[nc.Filters.MinSeverity]; !ok {
			errors.Add("notifications.filters.min_severity", "unknown severity", nc.Filters.MinSeverity)
		}
	}
	if nc.Webhook != nil && strings.TrimSpace(nc.Webhook.URL) == "" {
		errors.Add("notifications.webhook.url", "webhook url is required", nc.Webhook.URL)
	}
	if nc.RateLimit.MaxPerHour < 0 {
		errors.Add("notifications.rate_limit.max_per_hour", "cannot be negative", nc.RateLimit.MaxPerHour)
	}
	if errors.HasErrors() {
		return errors
	}
	return nil
}

// NotificationChannel interface for different notification methods
type NotificationChannel interface {
	Send(ctx context.Context, alert Alert) error
	GetType() string
}

// NotificationMessage represents a formatted notification message
type NotificationMessage struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  AlertSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	AlertID   string                 `json:"alert_id"`
	AlertType AlertType              `json:"alert_type"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	BackupID  string                 `json:"backup_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Color     string                 `json:"color,omitempty"`
}

// NotificationManager filters, rate limits and fans alerts out to channels
type NotificationManager struct {
	logger   *logging.Logger
	config   NotificationConfig
	channels []NotificationChannel

	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewNotificationManager creates a new notification manager
func NewNotificationManager(logger *logging.Logger, config NotificationConfig) *NotificationManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	nm := &NotificationManager{
		logger:   logger,
		config:   config,
		lastSent: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}

	if config.Webhook != nil {
		nm.channels = append(nm.channels, NewWebhookChannel(*config.Webhook))
	}
	if config.Log {
		nm.channels = append(nm.channels, NewLogChannel(logger))
	}
	if config.RateLimit.MaxPerHour > 0 {
		nm.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(config.RateLimit.MaxPerHour)), config.RateLimit.MaxPerHour)
	}

	return nm
}

// AddChannel registers an additional channel
func (nm *NotificationManager) AddChannel(channel NotificationChannel) {
	nm.channels = append(nm.channels, channel)
}

// Notify sends an alert through all configured channels. It fails only when every channel fails.
func (nm *NotificationManager) Notify(ctx context.Context, alert Alert) error {
	if !nm.config.Enabled {
		return nil
	}

	if !nm.shouldNotify(alert) {
		nm.logger.WithFields(map[string]interface{}{
			"alert_id":   alert.ID,
			"alert_type": string(alert.Type),
			"severity":   string(alert.Severity),
		}).Debug("Alert filtered out, not sending notification")
		return nil
	}

	if !nm.checkRateLimit(alert) {
		nm.logger.WithFields(map[string]interface{}{
			"alert_id":   alert.ID,
			"alert_type": string(alert.Type),
		}).Warn("Notification rate limit exceeded, skipping")
		return nil
	}

	var failures []string
	sent := 0
	for _, channel := range nm.channels {
		if err := channel.Send(ctx, alert); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", channel.GetType(), err))
			nm.logger.WithFields(map[string]interface{}{
				"channel":  channel.GetType(),
				"alert_id": alert.ID,
				"error":    err.Error(),
			}).Error("Failed to send notification")
			continue
		}
		sent++
	}

	if len(failures) > 0 && sent == 0 {
		return NewNetworkError("all notification channels failed: "+strings.Join(failures, "; "), nil)
	}
	return nil
}

func (nm *NotificationManager) shouldNotify(alert Alert) bool {
	filters := nm.config.Filters

	if minLevel, ok := severityLevels[filters.MinSeverity]; ok && severityLevels[alert.Severity] < minLevel {
		return false
	}

	if len(filters.AlertTypes) > 0 {
		found := false
		for _, t := range filters.AlertTypes {
			if alert.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, t := range filters.ExcludeTypes {
		if alert.Type == t {
			return false
		}
	}
	return true
}

func (nm *NotificationManager) checkRateLimit(alert Alert) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	now := nm.now()
	if cooldown := nm.config.RateLimit.CooldownTime; cooldown > 0 {
		key := string(alert.Type) + "/" + alert.TenantID
		if last, ok := nm.lastSent[key]; ok && now.Sub(last) < cooldown {
			return false
		}
		nm.lastSent[key] = now
	}

	if nm.limiter != nil && !nm.limiter.AllowN(now, 1) {
		return false
	}
	return true
}

func formatMessage(alert Alert) NotificationMessage {
	message := NotificationMessage{
		Title:     alert.Title,
		Message:   alert.Message,
		Severity:  alert.Severity,
		Timestamp: alert.Timestamp,
		AlertID:   alert.ID,
		AlertType: alert.Type,
		TenantID:  alert.TenantID,
		BackupID:  alert.BackupID,
		Metadata:  alert.Metadata,
	}

	switch alert.Severity {
	case AlertSeverityInfo:
		message.Color = "#36a64f"
	case AlertSeverityWarning:
		message.Color = "#ff9900"
	case AlertSeverityCritical:
		message.Color = "#ff0000"
	}
	return message
}

// WebhookChannel implements generic webhook notifications
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the formatted alert as JSON
func (wc *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(formatMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, wc.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// GetType returns the channel type
func (wc *WebhookChannel) GetType() string {
	return "webhook"
}

// LogChannel writes alerts to the application log
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send logs the alert at a level matching its severity
func (lc *LogChannel) Send(ctx context.Context, alert Alert) error {
	entry := lc.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"alert_id":   alert.ID,
		"alert_type": string(alert.Type),
		"severity":   string(alert.Severity),
		"tenant_id":  alert.TenantID,
		"backup_id":  alert.BackupID,
	})
	for k, v := range alert.Metadata {
		entry = entry.WithField(k, v)
	}

	msg := alert.Title + ": " + alert.Message
	switch alert.Severity {
	case AlertSeverityCritical:
		entry.Error(msg)
	case AlertSeverityWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// GetType returns the channel type
func (lc *LogChannel) GetType() string {
	return "log"
}
