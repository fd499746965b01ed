package webhook

import "testing"

func TestNormalizeTwilio(t *testing.T) {
	tests := []struct {
		name       string
		payload    map[string]any
		wantStatus string
		wantErr    bool
	}{
		{
			name:       "delivered",
			payload:    map[string]any{"tag": "msg-1", "MessageStatus": "delivered"},
			wantStatus: "delivered",
		},
		{
			name:       "undelivered maps to bounced",
			payload:    map[string]any{"tag": "msg-1", "MessageStatus": "undelivered"},
			wantStatus: "bounced",
		},
		{
			name:    "missing tag",
			payload: map[string]any{"MessageStatus": "delivered"},
			wantErr: true,
		},
		{
			name:    "missing status",
			payload: map[string]any{"tag": "msg-1"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			receipt, err := normalizeTwilio(tc.payload)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if receipt.MessageID != "msg-1" || receipt.Status != tc.wantStatus || receipt.Provider != "twilio" {
				t.Fatalf("unexpected receipt: %+v", receipt)
			}
		})
	}
}

func TestNormalizeSendGrid(t *testing.T) {
	receipt, err := normalizeSendGrid(map[string]any{"message_id": "msg-2", "event": "bounce"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Status != "bounced" || receipt.Provider != "sendgrid" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	if _, err := normalizeSendGrid(map[string]any{"event": "delivered"}); err == nil {
		t.Fatalf("expected error for missing message_id")
	}
}

func TestNormalizeUnsupportedProvider(t *testing.T) {
	if _, err := normalize("carrier-pigeon", map[string]any{}); err == nil {
		t.Fatalf("expected error")
	}
}
