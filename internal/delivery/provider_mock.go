package delivery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// Mock senders simulate provider behaviour for local development and seeding.
// The random source is injectable so tests can force either outcome.

type MockSMSSender struct {
	// Rand returns a uniform value in [0,1). Defaults to the shared
	// math/rand source.
	Rand func() float64
}

func (m *MockSMSSender) Name() string { return "MockSMSProvider" }

func (m *MockSMSSender) SendSMS(_ context.Context, recipient, body string) (SendResult, error) {
	if m.roll() < 0.95 {
		cost := smsCost(body)
		return SendResult{
			Success:    true,
			ExternalID: fmt.Sprintf("SMS_%s", strings.ReplaceAll(uuid.NewString(), "-", "")),
			Cost:       &cost,
		}, nil
	}
	return SendResult{Error: "mock delivery failure"}, nil
}

func (m *MockSMSSender) roll() float64 { return roll(m.Rand) }

type MockMMSSender struct {
	Rand func() float64
}

func (m *MockMMSSender) Name() string { return "MockMMSProvider" }

func (m *MockMMSSender) SendMMS(_ context.Context, recipient, body string, mediaURLs []string) (SendResult, error) {
	if roll(m.Rand) < 0.93 {
		cost := 0.02 + 0.01*float64(len(mediaURLs))
		return SendResult{
			Success:    true,
			ExternalID: fmt.Sprintf("MMS_%s", strings.ReplaceAll(uuid.NewString(), "-", "")),
			Cost:       &cost,
		}, nil
	}
	return SendResult{Error: "mock delivery failure"}, nil
}

type MockEmailSender struct {
	Rand func() float64
}

func (m *MockEmailSender) Name() string { return "MockEmailProvider" }

func (m *MockEmailSender) SendEmail(_ context.Context, recipient, subject, body, htmlBody string) (SendResult, error) {
	if roll(m.Rand) < 0.97 {
		cost := 0.001
		return SendResult{
			Success:    true,
			ExternalID: fmt.Sprintf("EMAIL_%s", strings.ReplaceAll(uuid.NewString(), "-", "")),
			Cost:       &cost,
		}, nil
	}
	return SendResult{Error: "mock delivery failure"}, nil
}

func roll(fn func() float64) float64 {
	if fn != nil {
		return fn()
	}
	return rand.Float64()
}

// smsCost prices $0.0075 per 160-character segment.
func smsCost(body string) float64 {
	segments := math.Ceil(float64(len(body)) / 160)
	if segments < 1 {
		segments = 1
	}
	return segments * 0.0075
}
