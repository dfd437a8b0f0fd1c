package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tablewatch/tablewatch/pkg/types"
)

type recordingNotifier struct {
	name   string
	err    error
	alerts []*types.Alert
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(ctx context.Context, alert *types.Alert) error {
	r.alerts = append(r.alerts, alert)
	return r.err
}

func testAlert() *types.Alert {
	return &types.Alert{
		ID:         uuid.New(),
		SourceName: "prod-pg",
		TableName:  "public.orders",
		Kind:       types.CheckKindFreshness,
		Status:     types.CheckStatusAlerting,
		Message:    "table public.orders is 2h0m0s behind (max lag 1h0m0s)",
		CreatedAt:  time.Now(),
	}
}

func TestService_DispatchesToAllChannels(t *testing.T) {
	first := &recordingNotifier{name: "first"}
	second := &recordingNotifier{name: "second"}
	svc := NewService(zap.NewNop(), nil, nil, first, second)

	svc.Dispatch(context.Background(), testAlert())

	assert.Len(t, first.alerts, 1)
	assert.Len(t, second.alerts, 1)
}

func TestService_ChannelFailureDoesNotStopDelivery(t *testing.T) {
	failing := &recordingNotifier{name: "failing", err: assert.AnError}
	working := &recordingNotifier{name: "working"}
	svc := NewService(zap.NewNop(), nil, nil, failing, working)

	svc.Dispatch(context.Background(), testAlert())

	assert.Len(t, failing.alerts, 1)
	assert.Len(t, working.alerts, 1)
}

func TestService_CooldownSuppressesRepeats(t *testing.T) {
	channel := &recordingNotifier{name: "slack"}
	svc := NewService(zap.NewNop(), nil, &Config{Cooldown: time.Hour}, channel)

	svc.Dispatch(context.Background(), testAlert())
	svc.Dispatch(context.Background(), testAlert())

	assert.Len(t, channel.alerts, 1)

	// a different check kind for the same table is not suppressed
	other := testAlert()
	other.Kind = types.CheckKindVolume
	svc.Dispatch(context.Background(), other)
	assert.Len(t, channel.alerts, 2)
}

func TestService_ZeroCooldownDisablesSuppression(t *testing.T) {
	channel := &recordingNotifier{name: "slack"}
	svc := NewService(zap.NewNop(), nil, &Config{Cooldown: 0}, channel)

	svc.Dispatch(context.Background(), testAlert())
	svc.Dispatch(context.Background(), testAlert())

	assert.Len(t, channel.alerts, 2)
}

func TestService_NilAlertIsIgnored(t *testing.T) {
	channel := &recordingNotifier{name: "slack"}
	svc := NewService(zap.NewNop(), nil, nil, channel)

	svc.Dispatch(context.Background(), nil)

	assert.Empty(t, channel.alerts)
}

func TestAlertFromResult(t *testing.T) {
	source := &types.DataSource{Name: "prod-pg"}
	target := &types.TableTarget{SchemaName: "public", TableName: "orders"}

	ok := &types.CheckResult{Status: types.CheckStatusOK}
	assert.Nil(t, AlertFromResult(source, target, ok))

	skipped := &types.CheckResult{Status: types.CheckStatusSkipped}
	assert.Nil(t, AlertFromResult(source, target, skipped))

	assert.Nil(t, AlertFromResult(source, target, nil))

	alerting := &types.CheckResult{
		ID:      uuid.New(),
		Kind:    types.CheckKindVolume,
		Status:  types.CheckStatusAlerting,
		Message: "row count off baseline",
	}
	alert := AlertFromResult(source, target, alerting)
	require.NotNil(t, alert)
	assert.Equal(t, alerting.ID, alert.ID)
	assert.Equal(t, "prod-pg", alert.SourceName)
	assert.Equal(t, "public.orders", alert.TableName)
	assert.Equal(t, types.CheckKindVolume, alert.Kind)

	failed := &types.CheckResult{Status: types.CheckStatusError, Message: "query failed"}
	require.NotNil(t, AlertFromResult(source, target, failed))
}

func TestSlackNotifier_RequiresWebhookURL(t *testing.T) {
	_, err := NewSlackNotifier("", "#data-alerts", zap.NewNop())
	require.Error(t, err)
}

func TestSlackNotifier_PostsPayload(t *testing.T) {
	var requests int64
	var received SlackMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewSlackNotifier(server.URL, "#data-alerts", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(context.Background(), testAlert()))

	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
	assert.Equal(t, "tablewatch", received.Username)
	assert.Equal(t, "#data-alerts", received.Channel)
	require.Len(t, received.Attachments, 1)
	attachment := received.Attachments[0]
	assert.Equal(t, "danger", attachment.Color)
	assert.Contains(t, attachment.Title, "public.orders")
	assert.Len(t, attachment.Fields, 4)
}

func TestSlackNotifier_NonRetryableStatusFailsOnce(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	notifier, err := NewSlackNotifier(server.URL, "", zap.NewNop())
	require.NoError(t, err)

	err = notifier.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
}

func TestAlertColor(t *testing.T) {
	assert.Equal(t, "danger", alertColor(types.CheckStatusAlerting))
	assert.Equal(t, "warning", alertColor(types.CheckStatusError))
	assert.Equal(t, "#808080", alertColor(types.CheckStatusOK))
}
