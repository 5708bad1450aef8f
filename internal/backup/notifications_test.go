package backup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *recordingChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return c.err
}

func (c *recordingChannel) GetType() string { return "recording" }

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestNotificationManager_Filters(t *testing.T) {
	tests := []struct {
		name    string
		filters NotificationFilters
		alert   Alert
		want    int
	}{
		{
			name:    "below min severity",
			filters: NotificationFilters{MinSeverity: AlertSeverityCritical},
			alert:   NewAlert(AlertTypeBackupFailed, AlertSeverityWarning, "t", "m"),
			want:    0,
		},
		{
			name:    "meets min severity",
			filters: NotificationFilters{MinSeverity: AlertSeverityWarning},
			alert:   NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m"),
			want:    1,
		},
		{
			name:    "type not included",
			filters: NotificationFilters{AlertTypes: []AlertType{AlertTypeVerificationFailed}},
			alert:   NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m"),
			want:    0,
		},
		{
			name:    "type excluded",
			filters: NotificationFilters{ExcludeTypes: []AlertType{AlertTypeBackupFailed}},
			alert:   NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m"),
			want:    0,
		},
		{
			name:  "no filters",
			alert: NewAlert(AlertTypeCleanupFailed, AlertSeverityInfo, "t", "m"),
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nm := NewNotificationManager(nil, NotificationConfig{Enabled: true, Filters: tt.filters})
			ch := &recordingChannel{}
			nm.AddChannel(ch)

			require.NoError(t, nm.Notify(context.Background(), tt.alert))
			assert.Equal(t, tt.want, ch.count())
		})
	}
}

func TestNotificationManager_Disabled(t *testing.T) {
	nm := NewNotificationManager(nil, NotificationConfig{Enabled: false})
	ch := &recordingChannel{}
	nm.AddChannel(ch)

	require.NoError(t, nm.Notify(context.Background(), NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m")))
	assert.Equal(t, 0, ch.count())
}

func TestNotificationManager_Cooldown(t *testing.T) {
	nm := NewNotificationManager(nil, NotificationConfig{
		Enabled:   true,
		RateLimit: RateLimitConfig{CooldownTime: time.Hour},
	})
	ch := &recordingChannel{}
	nm.AddChannel(ch)

	a := NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m")
	a.TenantID = "tenant-a"
	b := a
	b.TenantID = "tenant-b"

	require.NoError(t, nm.Notify(context.Background(), a))
	require.NoError(t, nm.Notify(context.Background(), a))
	require.NoError(t, nm.Notify(context.Background(), b))
	assert.Equal(t, 2, ch.count())
}

func TestNotificationManager_MaxPerHour(t *testing.T) {
	nm := NewNotificationManager(nil, NotificationConfig{
		Enabled:   true,
		RateLimit: RateLimitConfig{MaxPerHour: 2},
	})
	ch := &recordingChannel{}
	nm.AddChannel(ch)

	for i := 0; i < 5; i++ {
		require.NoError(t, nm.Notify(context.Background(), NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m")))
	}
	assert.Equal(t, 2, ch.count())
}

func TestNotificationManager_AllChannelsFail(t *testing.T) {
	nm := NewNotificationManager(nil, NotificationConfig{Enabled: true})
	nm.AddChannel(&recordingChannel{err: errors.New("down")})

	err := nm.Notify(context.Background(), NewAlert(AlertTypeBackupFailed, AlertSeverityCritical, "t", "m"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	nm.AddChannel(&recordingChannel{})
	assert.NoError(t, nm.Notify(context.Background(), NewAlert(AlertTypeRestoreFailed, AlertSeverityCritical, "t", "m")))
}

func TestWebhookChannel_Send(t *testing.T) {
	var got NotificationMessage
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: server.URL, Headers: map[string]string{"X-Token": "secret"}})
	alert := NewAlert(AlertTypeVerificationFailed, AlertSeverityCritical, "Verification failed", "checksum mismatch")
	alert.TenantID = "tenant-a"
	alert.BackupID = "b-1"

	require.NoError(t, ch.Send(context.Background(), alert))
	assert.Equal(t, "secret", header)
	assert.Equal(t, AlertTypeVerificationFailed, got.AlertType)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "b-1", got.BackupID)
	assert.Equal(t, "#ff0000", got.Color)
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: server.URL})
	err := ch.Send(context.Background(), NewAlert(AlertTypeBackupFailed, AlertSeverityWarning, "t", "m"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNotificationConfig_Validate(t *testing.T) {
	valid := NotificationConfig{Filters: NotificationFilters{MinSeverity: AlertSeverityWarning}}
	assert.NoError(t, valid.Validate())

	invalid := NotificationConfig{
		Webhook:   &WebhookConfig{},
		Filters:   NotificationFilters{MinSeverity: "loud"},
		RateLimit: RateLimitConfig{MaxPerHour: -1},
	}
	err := invalid.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 3)
}
