package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SendGridSender delivers email through a SendGrid-compatible HTTP API.
type SendGridSender struct {
	ProviderName string
	Endpoint     string
	APIKey       string
	From         string
	Client       *http.Client
}

func (s *SendGridSender) Name() string {
	if s.ProviderName != "" {
		return s.ProviderName
	}
	return "SendGrid"
}

func (s *SendGridSender) SendEmail(ctx context.Context, recipient, subject, body, htmlBody string) (SendResult, error) {
	content := []map[string]string{{"type": "text/plain", "value": body}}
	if htmlBody != "" {
		content = append(content, map[string]string{"type": "text/html", "value": htmlBody})
	}
	payload := map[string]any{
		"personalizations": []any{map[string]any{"to": []any{map[string]string{"email": recipient}}}},
		"from":             map[string]string{"email": s.From},
		"subject":          subject,
		"content":          content,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	var result SendResult
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = 5 * time.Second

	err = backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.Endpoint+"/v3/mail/send", bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.APIKey)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("sendgrid temporary error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			result = SendResult{Error: fmt.Sprintf("sendgrid rejected message: %s", resp.Status)}
			return nil
		}

		result = SendResult{Success: true, ExternalID: resp.Header.Get("X-Message-Id")}
		return nil
	}, op)
	if err != nil {
		return SendResult{}, err
	}
	return result, nil
}
