package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type stubConfigs struct {
	config *RoutingConfig
	err    error
}

func (s stubConfigs) Effective(context.Context, Channel) (*RoutingConfig, error) {
	return s.config, s.err
}

type recordingAttempts struct {
	rows []Attempt
	err  error
}

func (r *recordingAttempts) Append(_ context.Context, attempt Attempt) error {
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, attempt)
	return nil
}

type stubSMS struct {
	name   string
	result SendResult
	err    error
	calls  int
}

func (s *stubSMS) Name() string { return s.name }

func (s *stubSMS) SendSMS(context.Context, string, string) (SendResult, error) {
	s.calls++
	return s.result, s.err
}

func newTestEngine(config *RoutingConfig, configErr error, senders ...*stubSMS) (*Engine, *recordingAttempts) {
	registry := NewSenderRegistry()
	for _, s := range senders {
		registry.RegisterSMS(s)
	}
	attempts := &recordingAttempts{}
	engine := NewEngine(stubConfigs{config: config, err: configErr}, attempts, registry, zerolog.Nop())
	return engine, attempts
}

func smsMessage() *Message {
	return &Message{ID: "msg-1", Channel: ChannelSMS, Recipient: "+15550001111", Body: "hi", MaxRetries: 3}
}

func TestRouteMessageValidation(t *testing.T) {
	engine, _ := newTestEngine(nil, nil)

	msg := smsMessage()
	msg.Channel = "fax"
	if _, err := engine.RouteMessage(context.Background(), msg); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}

	msg = smsMessage()
	msg.Recipient = ""
	if _, err := engine.RouteMessage(context.Background(), msg); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

func TestRouteMessageDefaultProvider(t *testing.T) {
	sender := &stubSMS{name: "MockSMSProvider", result: SendResult{Success: true, ExternalID: "ext-1"}}
	engine, attempts := newTestEngine(nil, nil, sender)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.ExternalID != "ext-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.AttemptNumber != 1 {
		t.Fatalf("attempt number = %d, expected 1", result.AttemptNumber)
	}
	if len(attempts.rows) != 1 {
		t.Fatalf("expected 1 attempt row, got %d", len(attempts.rows))
	}
	row := attempts.rows[0]
	if row.ProviderName != "MockSMSProvider" || !row.Success || row.FallbackReason != "" {
		t.Fatalf("unexpected attempt row: %+v", row)
	}
}

func TestRouteMessageUsesConfiguredPrimary(t *testing.T) {
	primary := &stubSMS{name: "Twilio", result: SendResult{Success: true}}
	fallback := &stubSMS{name: "Backup", result: SendResult{Success: true}}
	config := &RoutingConfig{Channel: ChannelSMS, PrimaryProvider: "Twilio", FallbackProvider: "Backup", EnableFallback: true}
	engine, _ := newTestEngine(config, nil, primary, fallback)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	if primary.calls != 1 || fallback.calls != 0 {
		t.Fatalf("calls: primary=%d fallback=%d", primary.calls, fallback.calls)
	}
}

func TestRouteMessageAttemptNumberTracksRetryCount(t *testing.T) {
	sender := &stubSMS{name: "MockSMSProvider", result: SendResult{Success: true}}
	engine, attempts := newTestEngine(nil, nil, sender)

	msg := smsMessage()
	msg.RetryCount = 2
	result, err := engine.RouteMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AttemptNumber != 3 {
		t.Fatalf("attempt number = %d, expected 3", result.AttemptNumber)
	}
	if attempts.rows[0].AttemptNumber != 3 {
		t.Fatalf("logged attempt number = %d, expected 3", attempts.rows[0].AttemptNumber)
	}
}

func TestRouteMessageFallbackSuccess(t *testing.T) {
	primary := &stubSMS{name: "Twilio", result: SendResult{Error: "429 rate limit exceeded"}}
	fallback := &stubSMS{name: "Backup", result: SendResult{Success: true, ExternalID: "fb-1"}}
	config := &RoutingConfig{Channel: ChannelSMS, PrimaryProvider: "Twilio", FallbackProvider: "Backup", EnableFallback: true}
	engine, attempts := newTestEngine(config, nil, primary, fallback)

	msg := smsMessage()
	msg.RetryCount = 1
	result, err := engine.RouteMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.ExternalID != "fb-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(attempts.rows) != 2 {
		t.Fatalf("expected 2 attempt rows, got %d", len(attempts.rows))
	}
	primaryRow, fallbackRow := attempts.rows[0], attempts.rows[1]
	if primaryRow.Success || primaryRow.FallbackReason != "" {
		t.Fatalf("unexpected primary row: %+v", primaryRow)
	}
	if !fallbackRow.Success || fallbackRow.FallbackReason != FallbackRateLimitExceeded {
		t.Fatalf("unexpected fallback row: %+v", fallbackRow)
	}
	if fallbackRow.AttemptNumber != primaryRow.AttemptNumber {
		t.Fatalf("fallback attempt number %d != primary %d", fallbackRow.AttemptNumber, primaryRow.AttemptNumber)
	}
}

func TestRouteMessageFallbackFailureKeepsPrimaryError(t *testing.T) {
	primary := &stubSMS{name: "Twilio", result: SendResult{Error: "primary exploded"}}
	fallback := &stubSMS{name: "Backup", result: SendResult{Error: "fallback exploded"}}
	config := &RoutingConfig{Channel: ChannelSMS, PrimaryProvider: "Twilio", FallbackProvider: "Backup", EnableFallback: true}
	engine, attempts := newTestEngine(config, nil, primary, fallback)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Error != "primary exploded" {
		t.Fatalf("result error = %q, expected primary error", result.Error)
	}
	if len(attempts.rows) != 2 {
		t.Fatalf("expected 2 attempt rows, got %d", len(attempts.rows))
	}
}

func TestRouteMessageFallbackDisabled(t *testing.T) {
	primary := &stubSMS{name: "Twilio", result: SendResult{Error: "boom"}}
	fallback := &stubSMS{name: "Backup", result: SendResult{Success: true}}
	config := &RoutingConfig{Channel: ChannelSMS, PrimaryProvider: "Twilio", FallbackProvider: "Backup", EnableFallback: false}
	engine, attempts := newTestEngine(config, nil, primary, fallback)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure")
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not be attempted")
	}
	if len(attempts.rows) != 1 {
		t.Fatalf("expected 1 attempt row, got %d", len(attempts.rows))
	}
}

func TestRouteMessageSenderError(t *testing.T) {
	sender := &stubSMS{name: "MockSMSProvider", err: errors.New("connection refused")}
	engine, attempts := newTestEngine(nil, nil, sender)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("sender errors must not escape: %v", err)
	}
	if result.Success || result.Error != "connection refused" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if attempts.rows[0].ErrorCode != "errorString" {
		t.Fatalf("error code = %q", attempts.rows[0].ErrorCode)
	}
}

func TestRouteMessageUnregisteredProvider(t *testing.T) {
	config := &RoutingConfig{Channel: ChannelSMS, PrimaryProvider: "Missing"}
	engine, attempts := newTestEngine(config, nil)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure")
	}
	if len(attempts.rows) != 1 || attempts.rows[0].Success {
		t.Fatalf("expected one failed attempt row")
	}
}

func TestRouteMessageConfigLookupErrorFallsBackToDefaults(t *testing.T) {
	sender := &stubSMS{name: "MockSMSProvider", result: SendResult{Success: true}}
	engine, _ := newTestEngine(nil, errors.New("pg down"), sender)

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || sender.calls != 1 {
		t.Fatalf("default provider not used: %+v", result)
	}
}

func TestRouteMessageAttemptLogFailureIsSwallowed(t *testing.T) {
	sender := &stubSMS{name: "MockSMSProvider", result: SendResult{Success: true}}
	registry := NewSenderRegistry()
	registry.RegisterSMS(sender)
	attempts := &recordingAttempts{err: errors.New("insert failed")}
	engine := NewEngine(stubConfigs{}, attempts, registry, zerolog.Nop())

	result, err := engine.RouteMessage(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("audit failure must not affect the outcome")
	}
}

func TestClassifyFallbackReason(t *testing.T) {
	cases := map[string]FallbackReason{
		"":                          FallbackPrimaryFailed,
		"Rate Limit exceeded":       FallbackRateLimitExceeded,
		"request throttled":         FallbackRateLimitExceeded,
		"service unavailable":       FallbackProviderUnavailable,
		"timeout waiting for reply": FallbackProviderUnavailable,
		"cost ceiling reached":      FallbackCostThreshold,
		"quota exhausted":           FallbackCostThreshold,
		"something else broke":      FallbackPrimaryFailed,
	}
	for input, expected := range cases {
		if got := classifyFallbackReason(input); got != expected {
			t.Fatalf("classifyFallbackReason(%q)=%s, expected %s", input, got, expected)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		config     *RoutingConfig
		retryCount int
		maxRetries int
		want       bool
	}{
		{name: "budget left without config", retryCount: 1, maxRetries: 3, want: true},
		{name: "exhausted without config", retryCount: 3, maxRetries: 3, want: false},
		{name: "config overrides message budget", config: &RoutingConfig{MaxRetries: 1}, retryCount: 1, maxRetries: 5, want: false},
		{name: "config grants more budget", config: &RoutingConfig{MaxRetries: 5, RetryStrategy: RetryLinear, InitialRetryDelaySeconds: 10, MaxRetryDelaySeconds: 600}, retryCount: 3, maxRetries: 3, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := newTestEngine(tc.config, nil)
			msg := smsMessage()
			msg.RetryCount = tc.retryCount
			msg.MaxRetries = tc.maxRetries

			got, delay := engine.ShouldRetry(context.Background(), msg)
			if got != tc.want {
				t.Fatalf("ShouldRetry=%v, expected %v", got, tc.want)
			}
			if !got && delay != 0 {
				t.Fatalf("exhausted message must report zero delay")
			}
			if got && delay <= 0 && tc.config != nil && tc.config.RetryStrategy != RetryNone {
				t.Fatalf("expected positive delay, got %d", delay)
			}
		})
	}
}

func TestCalculateRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		config  *RoutingConfig
		attempt int
		want    int
	}{
		{name: "defaults first attempt", attempt: 1, want: 60},
		{name: "defaults third attempt", attempt: 3, want: 240},
		{name: "none strategy", config: &RoutingConfig{RetryStrategy: RetryNone, InitialRetryDelaySeconds: 60, MaxRetryDelaySeconds: 3600}, attempt: 2, want: 0},
		{name: "linear", config: &RoutingConfig{RetryStrategy: RetryLinear, InitialRetryDelaySeconds: 60, MaxRetryDelaySeconds: 3600}, attempt: 3, want: 180},
		{name: "custom behaves linear", config: &RoutingConfig{RetryStrategy: RetryCustom, InitialRetryDelaySeconds: 30, MaxRetryDelaySeconds: 3600}, attempt: 2, want: 60},
		{name: "exponential", config: &RoutingConfig{RetryStrategy: RetryExponential, InitialRetryDelaySeconds: 60, MaxRetryDelaySeconds: 3600}, attempt: 4, want: 480},
		{name: "exponential capped", config: &RoutingConfig{RetryStrategy: RetryExponential, InitialRetryDelaySeconds: 60, MaxRetryDelaySeconds: 100}, attempt: 5, want: 100},
		{name: "linear capped", config: &RoutingConfig{RetryStrategy: RetryLinear, InitialRetryDelaySeconds: 60, MaxRetryDelaySeconds: 90}, attempt: 3, want: 90},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := newTestEngine(tc.config, nil)
			if got := engine.CalculateRetryDelay(context.Background(), tc.attempt, ChannelSMS); got != tc.want {
				t.Fatalf("delay=%d, expected %d", got, tc.want)
			}
		})
	}
}

func TestErrorCodeFor(t *testing.T) {
	if got := errorCodeFor(errors.New("x")); got != "errorString" {
		t.Fatalf("errorCodeFor=%q", got)
	}
}
