package delivery

import (
	"context"
	"strings"
	"testing"
)

func TestMockSMSSenderOutcomes(t *testing.T) {
	sender := &MockSMSSender{Rand: func() float64 { return 0.0 }}
	result, err := sender.SendSMS(context.Background(), "+1555", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || !strings.HasPrefix(result.ExternalID, "SMS_") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Cost == nil || *result.Cost != 0.0075 {
		t.Fatalf("cost = %v", result.Cost)
	}

	sender = &MockSMSSender{Rand: func() float64 { return 0.99 }}
	result, err = sender.SendSMS(context.Background(), "+1555", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "mock delivery failure" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSMSCostSegments(t *testing.T) {
	cases := map[int]float64{
		0:   0.0075,
		1:   0.0075,
		160: 0.0075,
		161: 0.015,
		320: 0.015,
		321: 0.0225,
	}
	for length, expected := range cases {
		if got := smsCost(strings.Repeat("a", length)); got != expected {
			t.Fatalf("smsCost(len %d)=%v, expected %v", length, got, expected)
		}
	}
}

func TestMockMMSSenderCost(t *testing.T) {
	sender := &MockMMSSender{Rand: func() float64 { return 0.0 }}
	result, err := sender.SendMMS(context.Background(), "+1555", "pic", []string{"a.png", "b.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Cost == nil || *result.Cost != 0.04 {
		t.Fatalf("cost = %v", result.Cost)
	}
}

func TestMockEmailSenderCost(t *testing.T) {
	sender := &MockEmailSender{Rand: func() float64 { return 0.0 }}
	result, err := sender.SendEmail(context.Background(), "a@b.com", "s", "body", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Cost == nil || *result.Cost != 0.001 {
		t.Fatalf("cost = %v", result.Cost)
	}
}
