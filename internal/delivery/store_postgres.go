package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

const messageColumns = `
id, tenant_id, campaign_id, contact_id, variant_id, channel, recipient,
subject, body, html_body, media_urls, status, retry_count, max_retries,
scheduled_at, external_message_id, error_message, cost_amount,
sent_at, delivered_at, failed_at, created_at, updated_at
`

const insertMessageSQL = `
INSERT INTO messages (
id, tenant_id, campaign_id, contact_id, variant_id, channel, recipient,
subject, body, html_body, media_urls, status, retry_count, max_retries,
scheduled_at, external_message_id, error_message, cost_amount,
sent_at, delivered_at, failed_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`

const updateMessageSQL = `
UPDATE messages SET
status = $2,
retry_count = $3,
scheduled_at = $4,
external_message_id = $5,
error_message = $6,
cost_amount = $7,
sent_at = $8,
delivered_at = $9,
failed_at = $10,
updated_at = $11
WHERE id = $1
`

const getMessageSQL = `
SELECT ` + messageColumns + `
FROM messages
WHERE id = $2 AND ($1 = '' OR tenant_id = $1)
`

const dueBatchSQL = `
SELECT ` + messageColumns + `
FROM messages
WHERE status = 'queued' AND (scheduled_at IS NULL OR scheduled_at <= now())
ORDER BY created_at
LIMIT $1
`

const markSendingSQL = `
UPDATE messages SET status = 'sending', updated_at = now()
WHERE id = $1 AND status = 'queued'
`

const markSentSQL = `
UPDATE messages SET
status = 'sent',
sent_at = now(),
external_message_id = $2,
cost_amount = cost_amount + COALESCE($3, 0),
error_message = '',
updated_at = now()
WHERE id = $1
`

const markFailedSQL = `
UPDATE messages SET
status = 'failed',
failed_at = now(),
error_message = $2,
updated_at = now()
WHERE id = $1
`

const requeueSQL = `
UPDATE messages SET
status = 'queued',
scheduled_at = $2,
retry_count = retry_count + 1,
updated_at = now()
WHERE id = $1
`

const scheduleNowSQL = `
UPDATE messages SET scheduled_at = now(), updated_at = now()
WHERE id = $1
`

const failedForCampaignSQL = `
SELECT ` + messageColumns + `
FROM messages
WHERE tenant_id = $1 AND campaign_id = $2 AND status IN ('failed','bounced')
`

const campaignMessagesSQL = `
SELECT ` + messageColumns + `
FROM messages
WHERE tenant_id = $1 AND campaign_id = $2
`

const effectiveConfigSQL = `
SELECT id, channel, primary_provider, fallback_provider, enable_fallback,
max_retries, retry_strategy, initial_retry_delay_seconds, max_retry_delay_seconds,
cost_threshold, is_active, priority, created_at, updated_at
FROM routing_configs
WHERE channel = $1 AND is_active
ORDER BY priority DESC
LIMIT 1
`

const listConfigsSQL = `
SELECT id, channel, primary_provider, fallback_provider, enable_fallback,
max_retries, retry_strategy, initial_retry_delay_seconds, max_retry_delay_seconds,
cost_threshold, is_active, priority, created_at, updated_at
FROM routing_configs
ORDER BY channel, priority DESC
`

const getConfigSQL = `
SELECT id, channel, primary_provider, fallback_provider, enable_fallback,
max_retries, retry_strategy, initial_retry_delay_seconds, max_retry_delay_seconds,
cost_threshold, is_active, priority, created_at, updated_at
FROM routing_configs
WHERE id = $1
`

const insertConfigSQL = `
INSERT INTO routing_configs (
id, channel, primary_provider, fallback_provider, enable_fallback,
max_retries, retry_strategy, initial_retry_delay_seconds, max_retry_delay_seconds,
cost_threshold, is_active, priority, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`

const updateConfigSQL = `
UPDATE routing_configs SET
primary_provider = $2,
fallback_provider = $3,
enable_fallback = $4,
max_retries = $5,
retry_strategy = $6,
initial_retry_delay_seconds = $7,
max_retry_delay_seconds = $8,
cost_threshold = $9,
is_active = $10,
priority = $11,
updated_at = $12
WHERE id = $1
`

const deleteConfigSQL = `DELETE FROM routing_configs WHERE id = $1`

const insertAttemptSQL = `
INSERT INTO delivery_attempts (
id, message_id, attempt_number, channel, provider_name, attempted_at,
success, external_id, error_message, error_code, cost, response_time_ms, fallback_reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`

const attemptsForMessageSQL = `
SELECT id, message_id, attempt_number, channel, provider_name, attempted_at,
success, external_id, error_message, error_code, cost, response_time_ms, fallback_reason
FROM delivery_attempts
WHERE message_id = $1
ORDER BY attempt_number, attempted_at
`

const channelStatsSQL = `
SELECT
count(*),
count(*) FILTER (WHERE success),
count(*) FILTER (WHERE NOT success),
COALESCE(avg(response_time_ms), 0),
COALESCE(sum(cost), 0),
count(*) FILTER (WHERE fallback_reason <> '')
FROM delivery_attempts
WHERE channel = $1 AND attempted_at >= $2 AND attempted_at <= $3
`

const overallStatsByChannelSQL = `
SELECT
channel,
count(*),
count(*) FILTER (WHERE success),
count(*) FILTER (WHERE NOT success),
COALESCE(avg(response_time_ms), 0),
COALESCE(sum(cost), 0),
count(*) FILTER (WHERE fallback_reason <> '')
FROM delivery_attempts
WHERE attempted_at >= $1 AND attempted_at <= $2
GROUP BY channel
ORDER BY channel
`

// ChannelStats aggregates delivery attempts over a window.
type ChannelStats struct {
	Channel           Channel   `json:"channel,omitempty"`
	TotalAttempts     int       `json:"total_attempts"`
	Successful        int       `json:"successful_attempts"`
	Failed            int       `json:"failed_attempts"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMs float64   `json:"average_response_time_ms"`
	TotalCost         float64   `json:"total_cost"`
	FallbackCount     int       `json:"fallback_count"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
}

// OverallStats is the cross-channel aggregate plus the per-channel breakdown.
type OverallStats struct {
	ChannelStats
	ByChannel []ChannelStats `json:"by_channel"`
}

// Store is the Postgres persistence layer for messages, routing configs and
// the delivery attempt log. It backs the ConfigStore, AttemptStore, QueueStore
// and MessageStore interfaces.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, msg *Message) error {
	mediaURLs, err := json.Marshal(msg.MediaURLs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertMessageSQL,
		msg.ID, msg.TenantID, msg.CampaignID, msg.ContactID, msg.VariantID,
		string(msg.Channel), msg.Recipient, msg.Subject, msg.Body, msg.HTMLBody,
		mediaURLs, string(msg.Status), msg.RetryCount, msg.MaxRetries,
		msg.ScheduledAt, msg.ExternalMessageID, msg.ErrorMessage, msg.CostAmount,
		msg.SentAt, msg.DeliveredAt, msg.FailedAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, msg *Message) error {
	_, err := s.pool.Exec(ctx, updateMessageSQL,
		msg.ID, string(msg.Status), msg.RetryCount, msg.ScheduledAt,
		msg.ExternalMessageID, msg.ErrorMessage, msg.CostAmount,
		msg.SentAt, msg.DeliveredAt, msg.FailedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// GetForTenant loads a message scoped to its owner. An empty tenant id skips
// the ownership filter; receipt processing runs as the system.
func (s *Store) GetForTenant(ctx context.Context, tenantID, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, getMessageSQL, tenantID, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	return msg, nil
}

func (s *Store) DueBatch(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, dueBatchSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query due messages: %w", err)
	}
	defer rows.Close()

	var batch []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		batch = append(batch, *msg)
	}
	return batch, rows.Err()
}

func (s *Store) MarkSending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, markSendingSQL, id)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) MarkSent(ctx context.Context, id, externalID string, cost *float64) error {
	_, err := s.pool.Exec(ctx, markSentSQL, id, externalID, cost)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string) error {
	_, err := s.pool.Exec(ctx, markFailedSQL, id, errorMessage)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, requeueSQL, id, at)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	return nil
}

func (s *Store) ScheduleNow(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, scheduleNowSQL, id)
	if err != nil {
		return fmt.Errorf("schedule message: %w", err)
	}
	return nil
}

func (s *Store) FailedForCampaign(ctx context.Context, tenantID, campaignID string) ([]Message, error) {
	return s.queryMessages(ctx, failedForCampaignSQL, tenantID, campaignID)
}

func (s *Store) CampaignMessages(ctx context.Context, tenantID, campaignID string) ([]Message, error) {
	return s.queryMessages(ctx, campaignMessagesSQL, tenantID, campaignID)
}

func (s *Store) queryMessages(ctx context.Context, sql string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// Effective returns the highest-priority active config for a channel, or nil
// when the channel is unconfigured.
func (s *Store) Effective(ctx context.Context, channel Channel) (*RoutingConfig, error) {
	row := s.pool.QueryRow(ctx, effectiveConfigSQL, string(channel))
	config, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch routing config: %w", err)
	}
	return config, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]RoutingConfig, error) {
	rows, err := s.pool.Query(ctx, listConfigsSQL)
	if err != nil {
		return nil, fmt.Errorf("list routing configs: %w", err)
	}
	defer rows.Close()

	var out []RoutingConfig
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routing config: %w", err)
		}
		out = append(out, *config)
	}
	return out, rows.Err()
}

func (s *Store) GetConfig(ctx context.Context, id string) (*RoutingConfig, error) {
	row := s.pool.QueryRow(ctx, getConfigSQL, id)
	config, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch routing config: %w", err)
	}
	return config, nil
}

func (s *Store) CreateConfig(ctx context.Context, config *RoutingConfig) error {
	_, err := s.pool.Exec(ctx, insertConfigSQL,
		config.ID, string(config.Channel), config.PrimaryProvider, config.FallbackProvider,
		config.EnableFallback, config.MaxRetries, string(config.RetryStrategy),
		config.InitialRetryDelaySeconds, config.MaxRetryDelaySeconds, config.CostThreshold,
		config.IsActive, config.Priority, config.CreatedAt, config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert routing config: %w", err)
	}
	return nil
}

func (s *Store) UpdateConfig(ctx context.Context, config *RoutingConfig) error {
	tag, err := s.pool.Exec(ctx, updateConfigSQL,
		config.ID, config.PrimaryProvider, config.FallbackProvider,
		config.EnableFallback, config.MaxRetries, string(config.RetryStrategy),
		config.InitialRetryDelaySeconds, config.MaxRetryDelaySeconds, config.CostThreshold,
		config.IsActive, config.Priority, config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update routing config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, deleteConfigSQL, id)
	if err != nil {
		return fmt.Errorf("delete routing config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Append(ctx context.Context, attempt Attempt) error {
	_, err := s.pool.Exec(ctx, insertAttemptSQL,
		attempt.ID, attempt.MessageID, attempt.AttemptNumber, string(attempt.Channel),
		attempt.ProviderName, attempt.AttemptedAt, attempt.Success, attempt.ExternalID,
		attempt.ErrorMessage, attempt.ErrorCode, attempt.Cost, attempt.ResponseTimeMs,
		string(attempt.FallbackReason),
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *Store) AttemptsForMessage(ctx context.Context, messageID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, attemptsForMessageSQL, messageID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var attempt Attempt
		var channel, reason string
		if err := rows.Scan(
			&attempt.ID, &attempt.MessageID, &attempt.AttemptNumber, &channel,
			&attempt.ProviderName, &attempt.AttemptedAt, &attempt.Success, &attempt.ExternalID,
			&attempt.ErrorMessage, &attempt.ErrorCode, &attempt.Cost, &attempt.ResponseTimeMs,
			&reason,
		); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempt.Channel = Channel(channel)
		attempt.FallbackReason = FallbackReason(reason)
		out = append(out, attempt)
	}
	return out, rows.Err()
}

func (s *Store) ChannelStats(ctx context.Context, channel Channel, start, end time.Time) (*ChannelStats, error) {
	stats := &ChannelStats{Channel: channel, WindowStart: start, WindowEnd: end}
	err := s.pool.QueryRow(ctx, channelStatsSQL, string(channel), start, end).Scan(
		&stats.TotalAttempts, &stats.Successful, &stats.Failed,
		&stats.AvgResponseTimeMs, &stats.TotalCost, &stats.FallbackCount,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel stats: %w", err)
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalAttempts) * 100
	}
	return stats, nil
}

func (s *Store) OverallStats(ctx context.Context, start, end time.Time) (*OverallStats, error) {
	rows, err := s.pool.Query(ctx, overallStatsByChannelSQL, start, end)
	if err != nil {
		return nil, fmt.Errorf("query overall stats: %w", err)
	}
	defer rows.Close()

	overall := &OverallStats{ChannelStats: ChannelStats{WindowStart: start, WindowEnd: end}}
	for rows.Next() {
		var channel string
		cs := ChannelStats{WindowStart: start, WindowEnd: end}
		if err := rows.Scan(
			&channel, &cs.TotalAttempts, &cs.Successful, &cs.Failed,
			&cs.AvgResponseTimeMs, &cs.TotalCost, &cs.FallbackCount,
		); err != nil {
			return nil, fmt.Errorf("scan overall stats: %w", err)
		}
		cs.Channel = Channel(channel)
		if cs.TotalAttempts > 0 {
			cs.SuccessRate = float64(cs.Successful) / float64(cs.TotalAttempts) * 100
		}
		overall.ByChannel = append(overall.ByChannel, cs)
		overall.TotalAttempts += cs.TotalAttempts
		overall.Successful += cs.Successful
		overall.Failed += cs.Failed
		overall.TotalCost += cs.TotalCost
		overall.FallbackCount += cs.FallbackCount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if overall.TotalAttempts > 0 {
		overall.SuccessRate = float64(overall.Successful) / float64(overall.TotalAttempts) * 100
		var weighted float64
		for _, cs := range overall.ByChannel {
			weighted += cs.AvgResponseTimeMs * float64(cs.TotalAttempts)
		}
		overall.AvgResponseTimeMs = weighted / float64(overall.TotalAttempts)
	}
	return overall, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var channel, status string
	var mediaURLs []byte
	if err := row.Scan(
		&msg.ID, &msg.TenantID, &msg.CampaignID, &msg.ContactID, &msg.VariantID,
		&channel, &msg.Recipient, &msg.Subject, &msg.Body, &msg.HTMLBody,
		&mediaURLs, &status, &msg.RetryCount, &msg.MaxRetries,
		&msg.ScheduledAt, &msg.ExternalMessageID, &msg.ErrorMessage, &msg.CostAmount,
		&msg.SentAt, &msg.DeliveredAt, &msg.FailedAt, &msg.CreatedAt, &msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	msg.Channel = Channel(channel)
	msg.Status = Status(status)
	if len(mediaURLs) > 0 {
		if err := json.Unmarshal(mediaURLs, &msg.MediaURLs); err != nil {
			return nil, fmt.Errorf("decode media urls: %w", err)
		}
	}
	return &msg, nil
}

func scanConfig(row rowScanner) (*RoutingConfig, error) {
	var config RoutingConfig
	var channel, strategy string
	if err := row.Scan(
		&config.ID, &channel, &config.PrimaryProvider, &config.FallbackProvider,
		&config.EnableFallback, &config.MaxRetries, &strategy,
		&config.InitialRetryDelaySeconds, &config.MaxRetryDelaySeconds, &config.CostThreshold,
		&config.IsActive, &config.Priority, &config.CreatedAt, &config.UpdatedAt,
	); err != nil {
		return nil, err
	}
	config.Channel = Channel(channel)
	config.RetryStrategy = RetryStrategy(strategy)
	return &config, nil
}
