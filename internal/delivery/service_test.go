package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeMessageStore struct {
	messages map[string]*Message
	updated  []string
}

func newFakeMessageStore(msgs ...*Message) *fakeMessageStore {
	s := &fakeMessageStore{messages: map[string]*Message{}}
	for _, msg := range msgs {
		s.messages[msg.ID] = msg
	}
	return s
}

func (s *fakeMessageStore) Create(_ context.Context, msg *Message) error {
	s.messages[msg.ID] = msg
	return nil
}

func (s *fakeMessageStore) GetForTenant(_ context.Context, tenantID, id string) (*Message, error) {
	msg, ok := s.messages[id]
	if !ok || (tenantID != "" && msg.TenantID != tenantID) {
		return nil, ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (s *fakeMessageStore) Update(_ context.Context, msg *Message) error {
	s.messages[msg.ID] = msg
	s.updated = append(s.updated, msg.ID)
	return nil
}

func (s *fakeMessageStore) FailedForCampaign(_ context.Context, tenantID, campaignID string) ([]Message, error) {
	var out []Message
	for _, msg := range s.messages {
		if msg.TenantID == tenantID && msg.CampaignID == campaignID &&
			(msg.Status == StatusFailed || msg.Status == StatusBounced) {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (s *fakeMessageStore) CampaignMessages(_ context.Context, tenantID, campaignID string) ([]Message, error) {
	var out []Message
	for _, msg := range s.messages {
		if msg.TenantID == tenantID && msg.CampaignID == campaignID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func newService(store *fakeMessageStore) *Service {
	return &Service{Store: store, Logger: zerolog.Nop()}
}

func TestServiceCreate(t *testing.T) {
	store := newFakeMessageStore()
	svc := newService(store)

	msg, err := svc.Create(context.Background(), "t1", NewMessageRequest{
		Channel:   ChannelEmail,
		Recipient: "a@b.com",
		Subject:   "hi",
		Body:      "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID == "" || msg.Status != StatusQueued || msg.TenantID != "t1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.MaxRetries != 3 {
		t.Fatalf("max retries default = %d", msg.MaxRetries)
	}
	if _, ok := store.messages[msg.ID]; !ok {
		t.Fatalf("message not persisted")
	}
}

func TestServiceCreateValidation(t *testing.T) {
	svc := newService(newFakeMessageStore())

	if _, err := svc.Create(context.Background(), "t1", NewMessageRequest{Channel: "pigeon", Recipient: "x"}); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}
	if _, err := svc.Create(context.Background(), "t1", NewMessageRequest{Channel: ChannelSMS}); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

func TestServiceCreateBulkStopsOnError(t *testing.T) {
	svc := newService(newFakeMessageStore())
	reqs := []NewMessageRequest{
		{Channel: ChannelSMS, Recipient: "+1555", Body: "a"},
		{Channel: ChannelSMS, Body: "no recipient"},
		{Channel: ChannelSMS, Recipient: "+1556", Body: "c"},
	}

	created, err := svc.CreateBulk(context.Background(), "t1", reqs)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(created) != 1 {
		t.Fatalf("created = %d, expected the messages before the failure", len(created))
	}
}

func TestApplyReceipt(t *testing.T) {
	occurred := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		status     Status
		wantStatus Status
		wantErr    bool
	}{
		{name: "delivered", status: StatusDelivered, wantStatus: StatusDelivered},
		{name: "bounced", status: StatusBounced, wantStatus: StatusBounced},
		{name: "failed", status: StatusFailed, wantStatus: StatusFailed},
		{name: "queued is not a receipt status", status: StatusQueued, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeMessageStore(&Message{ID: "m1", TenantID: "t1", Status: StatusSent})
			svc := newService(store)

			err := svc.ApplyReceipt(context.Background(), "m1", tc.status, occurred)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			msg := store.messages["m1"]
			if msg.Status != tc.wantStatus {
				t.Fatalf("status = %s", msg.Status)
			}
			if tc.status == StatusDelivered && (msg.DeliveredAt == nil || !msg.DeliveredAt.Equal(occurred)) {
				t.Fatalf("delivered_at = %v", msg.DeliveredAt)
			}
			if tc.status != StatusDelivered && msg.FailedAt == nil {
				t.Fatalf("failed_at not set")
			}
		})
	}
}

func TestApplyReceiptOverwritesCurrentStatus(t *testing.T) {
	occurred := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeMessageStore(&Message{ID: "m1", TenantID: "t1", Status: StatusFailed})
	svc := newService(store)

	// Out-of-order receipt: a delivered callback lands after a failure was
	// already recorded. The receipt wins.
	if err := svc.ApplyReceipt(context.Background(), "m1", StatusDelivered, occurred); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := store.messages["m1"]
	if msg.Status != StatusDelivered {
		t.Fatalf("status = %s", msg.Status)
	}
	if msg.DeliveredAt == nil || !msg.DeliveredAt.Equal(occurred) {
		t.Fatalf("delivered_at = %v", msg.DeliveredAt)
	}
}

func TestRetryFailed(t *testing.T) {
	store := newFakeMessageStore(&Message{ID: "m1", TenantID: "t1", Status: StatusFailed, RetryCount: 1, MaxRetries: 3, ErrorMessage: "boom"})
	svc := newService(store)

	if err := svc.RetryFailed(context.Background(), "t1", "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := store.messages["m1"]
	if msg.Status != StatusQueued || msg.RetryCount != 2 || msg.ErrorMessage != "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.ScheduledAt == nil {
		t.Fatalf("retry must be scheduled immediately")
	}
}

func TestRetryFailedPreconditions(t *testing.T) {
	store := newFakeMessageStore(
		&Message{ID: "sent", TenantID: "t1", Status: StatusSent},
		&Message{ID: "spent", TenantID: "t1", Status: StatusFailed, RetryCount: 3, MaxRetries: 3},
	)
	svc := newService(store)

	if err := svc.RetryFailed(context.Background(), "t1", "sent"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if err := svc.RetryFailed(context.Background(), "t1", "spent"); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if err := svc.RetryFailed(context.Background(), "other", "sent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryFailedForCampaign(t *testing.T) {
	store := newFakeMessageStore(
		&Message{ID: "m1", TenantID: "t1", CampaignID: "c1", Status: StatusFailed, MaxRetries: 3},
		&Message{ID: "m2", TenantID: "t1", CampaignID: "c1", Status: StatusBounced, MaxRetries: 3},
		&Message{ID: "m3", TenantID: "t1", CampaignID: "c1", Status: StatusFailed, RetryCount: 3, MaxRetries: 3},
		&Message{ID: "m4", TenantID: "t1", CampaignID: "c1", Status: StatusSent},
	)
	svc := newService(store)

	count, err := svc.RetryFailedForCampaign(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("requeued = %d, expected 2", count)
	}
	if store.messages["m3"].Status != StatusFailed {
		t.Fatalf("exhausted message must stay failed")
	}
}

func TestCancel(t *testing.T) {
	store := newFakeMessageStore(
		&Message{ID: "queued", TenantID: "t1", Status: StatusQueued},
		&Message{ID: "sent", TenantID: "t1", Status: StatusSent},
	)
	svc := newService(store)

	if err := svc.Cancel(context.Background(), "t1", "queued"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := store.messages["queued"]
	if msg.Status != StatusFailed || msg.ErrorMessage != "cancelled by user" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if err := svc.Cancel(context.Background(), "t1", "sent"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}
}

func TestReport(t *testing.T) {
	store := newFakeMessageStore(
		&Message{ID: "m1", TenantID: "t1", CampaignID: "c1", Status: StatusDelivered, CostAmount: 0.01},
		&Message{ID: "m2", TenantID: "t1", CampaignID: "c1", Status: StatusDelivered, CostAmount: 0.01},
		&Message{ID: "m3", TenantID: "t1", CampaignID: "c1", Status: StatusFailed, CostAmount: 0.01},
		&Message{ID: "m4", TenantID: "t1", CampaignID: "c1", Status: StatusQueued, CostAmount: 0.01},
		&Message{ID: "m5", TenantID: "t1", CampaignID: "other", Status: StatusSent},
	)
	svc := newService(store)

	report, err := svc.Report(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 4 || report.Delivered != 2 || report.Failed != 1 || report.Queued != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.DeliveryRate != 50 || report.FailureRate != 25 {
		t.Fatalf("rates: delivery=%v failure=%v", report.DeliveryRate, report.FailureRate)
	}
	if report.AverageCost != 0.01 {
		t.Fatalf("average cost = %v", report.AverageCost)
	}
}
