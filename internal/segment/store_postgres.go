package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const activeContactsSQL = `
SELECT id, tenant_id, email, first_name, last_name, phone_number,
country, city, postal_code, is_active, custom_attributes
FROM contacts
WHERE tenant_id = $1 AND is_active AND NOT is_deleted
`

const engagementsSQL = `
SELECT contact_id, total_messages_sent, total_messages_delivered,
total_clicks, engagement_score, last_engagement_date
FROM contact_engagements
WHERE contact_id = ANY($1) AND NOT is_deleted
`

const tagAssignmentsSQL = `
SELECT contact_id, tag_id
FROM contact_tag_assignments
WHERE contact_id = ANY($1) AND NOT is_deleted
`

const dynamicGroupSQL = `
SELECT id, tenant_id, name, is_dynamic, rule_criteria, contact_count
FROM contact_groups
WHERE id = $2 AND tenant_id = $1 AND is_dynamic AND NOT is_deleted
`

const dynamicGroupsSQL = `
SELECT id, tenant_id, name, is_dynamic, rule_criteria, contact_count
FROM contact_groups
WHERE tenant_id = $1 AND is_dynamic AND NOT is_deleted
`

const activeMembersSQL = `
SELECT contact_id, group_id, joined_at
FROM contact_group_members
WHERE group_id = $1 AND NOT is_deleted
`

const addMemberSQL = `
INSERT INTO contact_group_members (contact_id, group_id, joined_at, is_deleted)
VALUES ($1, $2, $3, false)
ON CONFLICT (contact_id, group_id)
DO UPDATE SET is_deleted = false, joined_at = EXCLUDED.joined_at
`

const removeMembersSQL = `
UPDATE contact_group_members SET is_deleted = true, updated_at = now()
WHERE group_id = $1 AND contact_id = ANY($2)
`

const tenantIDsSQL = `
SELECT DISTINCT tenant_id
FROM contact_groups
WHERE is_dynamic AND NOT is_deleted
`

const setContactCountSQL = `
UPDATE contact_groups SET contact_count = $2, updated_at = now()
WHERE id = $1
`

// PostgresStore backs the Syncer with the contacts, engagement, tag and group
// tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ActiveContacts(ctx context.Context, tenantID string) ([]Contact, error) {
	rows, err := s.pool.Query(ctx, activeContactsSQL, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName, &c.PhoneNumber,
			&c.Country, &c.City, &c.PostalCode, &c.IsActive, &c.CustomAttributes,
		); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Engagements(ctx context.Context, contactIDs []string) (map[string]Engagement, error) {
	rows, err := s.pool.Query(ctx, engagementsSQL, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("query engagements: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Engagement)
	for rows.Next() {
		var e Engagement
		if err := rows.Scan(
			&e.ContactID, &e.TotalMessagesSent, &e.TotalMessagesDelivered,
			&e.TotalClicks, &e.EngagementScore, &e.LastEngagementDate,
		); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		// Duplicate rows per contact: first wins.
		if _, ok := out[e.ContactID]; !ok {
			out[e.ContactID] = e
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) TagAssignments(ctx context.Context, contactIDs []string) (map[string][]TagAssignment, error) {
	rows, err := s.pool.Query(ctx, tagAssignmentsSQL, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("query tag assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]TagAssignment)
	for rows.Next() {
		var ta TagAssignment
		if err := rows.Scan(&ta.ContactID, &ta.TagID); err != nil {
			return nil, fmt.Errorf("scan tag assignment: %w", err)
		}
		out[ta.ContactID] = append(out[ta.ContactID], ta)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DynamicGroup(ctx context.Context, tenantID, groupID string) (*Group, error) {
	var g Group
	err := s.pool.QueryRow(ctx, dynamicGroupSQL, tenantID, groupID).Scan(
		&g.ID, &g.TenantID, &g.Name, &g.IsDynamic, &g.RuleCriteria, &g.ContactCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch group: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) DynamicGroups(ctx context.Context, tenantID string) ([]Group, error) {
	rows, err := s.pool.Query(ctx, dynamicGroupsSQL, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.IsDynamic, &g.RuleCriteria, &g.ContactCount); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, tenantIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveMembers(ctx context.Context, groupID string) ([]Member, error) {
	rows, err := s.pool.Query(ctx, activeMembersSQL, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ContactID, &m.GroupID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMembers(ctx context.Context, groupID string, contactIDs []string) error {
	now := time.Now().UTC()
	for _, contactID := range contactIDs {
		if _, err := s.pool.Exec(ctx, addMemberSQL, contactID, groupID, now); err != nil {
			return fmt.Errorf("add member %s: %w", contactID, err)
		}
	}
	return nil
}

func (s *PostgresStore) RemoveMembers(ctx context.Context, groupID string, contactIDs []string) error {
	if _, err := s.pool.Exec(ctx, removeMembersSQL, groupID, contactIDs); err != nil {
		return fmt.Errorf("remove members: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetContactCount(ctx context.Context, groupID string, count int) error {
	if _, err := s.pool.Exec(ctx, setContactCountSQL, groupID, count); err != nil {
		return fmt.Errorf("set contact count: %w", err)
	}
	return nil
}
