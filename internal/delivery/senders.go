package delivery

import (
	"context"
	"os"
)

// SendResult is the uniform contract every channel sender returns for a
// completed call. A transport-level failure is reported through the error
// return instead and classified by the engine.
type SendResult struct {
	Success    bool
	ExternalID string
	Error      string
	Cost       *float64
}

type SMSSender interface {
	Name() string
	SendSMS(ctx context.Context, recipient, body string) (SendResult, error)
}

type MMSSender interface {
	Name() string
	SendMMS(ctx context.Context, recipient, body string, mediaURLs []string) (SendResult, error)
}

type EmailSender interface {
	Name() string
	SendEmail(ctx context.Context, recipient, subject, body, htmlBody string) (SendResult, error)
}

// SenderRegistry resolves a provider name to the sender instance for a
// channel. Registration is done at startup; lookups are read-only after that.
type SenderRegistry struct {
	sms   map[string]SMSSender
	mms   map[string]MMSSender
	email map[string]EmailSender
}

func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{
		sms:   map[string]SMSSender{},
		mms:   map[string]MMSSender{},
		email: map[string]EmailSender{},
	}
}

func (r *SenderRegistry) RegisterSMS(s SMSSender)     { r.sms[s.Name()] = s }
func (r *SenderRegistry) RegisterMMS(s MMSSender)     { r.mms[s.Name()] = s }
func (r *SenderRegistry) RegisterEmail(s EmailSender) { r.email[s.Name()] = s }

func (r *SenderRegistry) SMS(name string) (SMSSender, bool) {
	s, ok := r.sms[name]
	return s, ok
}

func (r *SenderRegistry) MMS(name string) (MMSSender, bool) {
	s, ok := r.mms[name]
	return s, ok
}

func (r *SenderRegistry) Email(name string) (EmailSender, bool) {
	s, ok := r.email[name]
	return s, ok
}

// BuildSenderRegistry assembles the sender set from the environment. The mock
// providers are always present; Twilio and SendGrid join when credentials are
// configured.
func BuildSenderRegistry() *SenderRegistry {
	r := NewSenderRegistry()
	r.RegisterSMS(&MockSMSSender{})
	r.RegisterMMS(&MockMMSSender{})
	r.RegisterEmail(&MockEmailSender{})

	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		twilio := &TwilioSender{
			Endpoint:   envOr("TWILIO_ENDPOINT", "https://api.twilio.com"),
			AccountSID: sid,
			AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			From:       os.Getenv("TWILIO_FROM_NUMBER"),
		}
		r.RegisterSMS(twilio)
		r.RegisterMMS(twilio)
	}
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		r.RegisterEmail(&SendGridSender{
			Endpoint: envOr("SENDGRID_ENDPOINT", "https://api.sendgrid.com"),
			APIKey:   key,
			From:     os.Getenv("SENDGRID_FROM_EMAIL"),
		})
	}
	return r
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
