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

// TwilioSender sends SMS and MMS through a Twilio-compatible HTTP API.
// 5xx responses are retried briefly in-process; 4xx responses are provider
// rejections and surface as failed results for the engine to classify.
type TwilioSender struct {
	ProviderName string
	Endpoint     string
	AccountSID   string
	AuthToken    string
	From         string
	Client       *http.Client
}

func (t *TwilioSender) Name() string {
	if t.ProviderName != "" {
		return t.ProviderName
	}
	return "Twilio"
}

func (t *TwilioSender) SendSMS(ctx context.Context, recipient, body string) (SendResult, error) {
	return t.send(ctx, map[string]any{
		"To":   recipient,
		"From": t.From,
		"Body": body,
	})
}

func (t *TwilioSender) SendMMS(ctx context.Context, recipient, body string, mediaURLs []string) (SendResult, error) {
	return t.send(ctx, map[string]any{
		"To":       recipient,
		"From":     t.From,
		"Body":     body,
		"MediaUrl": mediaURLs,
	})
}

func (t *TwilioSender) send(ctx context.Context, payload map[string]any) (SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	var result SendResult
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = 5 * time.Second

	err = backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
			fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.Endpoint, t.AccountSID),
			bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(t.AccountSID, t.AuthToken)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("twilio temporary error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			result = SendResult{Error: fmt.Sprintf("twilio rejected message: %s", resp.Status)}
			return nil
		}

		var parsed struct {
			SID   string  `json:"sid"`
			Price float64 `json:"price"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode twilio response: %w", err))
		}
		result = SendResult{Success: true, ExternalID: parsed.SID}
		if parsed.Price != 0 {
			price := parsed.Price
			result.Cost = &price
		}
		return nil
	}, op)
	if err != nil {
		return SendResult{}, err
	}
	return result, nil
}
