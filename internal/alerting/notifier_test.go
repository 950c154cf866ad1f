package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNotification() Notification {
	return Notification{
		Kind:        "emergency_action",
		At:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ViolationID: 7,
		Law:         "funds",
		Severity:    "critical",
		Action:      "pause",
		Violator:    "0x00000000000000000000000000000000000000b1",
		Amount:      decimal.NewFromInt(2500),
		Score:       42,
		Description: "settlement executed while funds frozen",
		Channels:    []string{"ops"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sampleNotification()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "Violation: #7 (funds law, critical)")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.Error(t, notifier.Notify(context.Background(), sampleNotification()))
}

func TestTelegramNotifierBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.Error(t, notifier.Notify(context.Background(), sampleNotification()))
}

func TestRenderMessageOmitsEmptyFields(t *testing.T) {
	msg := RenderMessage(Notification{Kind: "emergency_cleared", At: time.Unix(0, 0), Score: 100})
	assert.Contains(t, msg, "EMERGENCY_CLEARED")
	assert.Contains(t, msg, "Score: 100")
	assert.NotContains(t, msg, "Violation:")
	assert.NotContains(t, msg, "Amount:")
}
