package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/campaign-service/internal/delivery"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		delivery.ErrNotFound:           http.StatusNotFound,
		delivery.ErrUnsupportedChannel: http.StatusBadRequest,
		delivery.ErrMissingRecipient:   http.StatusBadRequest,
		delivery.ErrNotQueued:          http.StatusConflict,
		delivery.ErrNotRetryable:       http.StatusConflict,
		delivery.ErrRetryExhausted:     http.StatusConflict,
	}
	for err, expected := range cases {
		if got := statusFor(err); got != expected {
			t.Fatalf("statusFor(%v)=%d, expected %d", err, got, expected)
		}
	}
	if got := statusFor(http.ErrBodyNotAllowed); got != http.StatusInternalServerError {
		t.Fatalf("unexpected status for unknown error: %d", got)
	}
}

func TestStampNewConfigGeneratesID(t *testing.T) {
	config := delivery.RoutingConfig{Channel: delivery.ChannelSMS, PrimaryProvider: "Twilio"}
	stampNewConfig(&config)

	if config.ID == "" {
		t.Fatalf("expected a generated id")
	}
	if config.CreatedAt.IsZero() || config.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not stamped: created=%v updated=%v", config.CreatedAt, config.UpdatedAt)
	}

	other := delivery.RoutingConfig{Channel: delivery.ChannelSMS, PrimaryProvider: "Twilio"}
	stampNewConfig(&other)
	if other.ID == config.ID {
		t.Fatalf("generated ids must be unique")
	}
}

func TestStampNewConfigKeepsClientID(t *testing.T) {
	config := delivery.RoutingConfig{ID: "cfg-sms-1", Channel: delivery.ChannelSMS, PrimaryProvider: "Twilio"}
	stampNewConfig(&config)
	if config.ID != "cfg-sms-1" {
		t.Fatalf("id = %q", config.ID)
	}
}

func TestStatsWindow(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stats/overall", nil)
	start, end, err := statsWindow(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := end.Sub(start); got != 24*time.Hour {
		t.Fatalf("default window = %v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats/overall?start=2026-05-01T00:00:00Z&end=2026-05-02T00:00:00Z", nil)
	start, end, err = statsWindow(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !start.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window = %v..%v", start, end)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats/overall?start=yesterday", nil)
	if _, _, err := statsWindow(req); err == nil {
		t.Fatalf("expected parse error")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats/overall?start=2026-05-02T00:00:00Z&end=2026-05-01T00:00:00Z", nil)
	if _, _, err := statsWindow(req); err == nil {
		t.Fatalf("expected inverted window error")
	}
}
