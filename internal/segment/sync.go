package segment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrGroupNotFound  = errors.New("dynamic group not found")
	ErrNoRuleCriteria = errors.New("dynamic group has no rule criteria")
)

// Store is the persistence surface for membership reconciliation.
type Store interface {
	ActiveContacts(ctx context.Context, tenantID string) ([]Contact, error)
	Engagements(ctx context.Context, contactIDs []string) (map[string]Engagement, error)
	TagAssignments(ctx context.Context, contactIDs []string) (map[string][]TagAssignment, error)
	DynamicGroup(ctx context.Context, tenantID, groupID string) (*Group, error)
	DynamicGroups(ctx context.Context, tenantID string) ([]Group, error)
	ActiveMembers(ctx context.Context, groupID string) ([]Member, error)
	AddMembers(ctx context.Context, groupID string, contactIDs []string) error
	RemoveMembers(ctx context.Context, groupID string, contactIDs []string) error
	SetContactCount(ctx context.Context, groupID string, count int) error
	TenantIDs(ctx context.Context) ([]string, error)
}

// SyncResult reports one group reconciliation.
type SyncResult struct {
	GroupID string `json:"group_id"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Total   int    `json:"total"`
}

// Syncer materializes dynamic group membership: it evaluates a group's rule
// tree over the owner's contacts and applies the difference, preserving join
// timestamps of unaffected members.
type Syncer struct {
	Store     Store
	Evaluator *Evaluator
	Logger    zerolog.Logger
}

// EvaluateRules returns the ids of the tenant's contacts matching the
// criteria. Engagement and tag data is pre-loaded once for the whole batch.
func (s *Syncer) EvaluateRules(ctx context.Context, tenantID string, criteria Criteria) ([]string, error) {
	contacts, err := s.Store.ActiveContacts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	if len(contacts) == 0 {
		return nil, nil
	}

	contactIDs := make([]string, len(contacts))
	for i, c := range contacts {
		contactIDs[i] = c.ID
	}
	engagements, err := s.Store.Engagements(ctx, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("load engagements: %w", err)
	}
	tags, err := s.Store.TagAssignments(ctx, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("load tag assignments: %w", err)
	}

	var matching []string
	for _, contact := range contacts {
		if s.Evaluator.EvaluateContact(contact, criteria, engagements, tags) {
			matching = append(matching, contact.ID)
		}
	}
	return matching, nil
}

// SyncGroup reconciles one dynamic group's membership as a set difference
// against the current members.
func (s *Syncer) SyncGroup(ctx context.Context, tenantID, groupID string) (*SyncResult, error) {
	group, err := s.Store.DynamicGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}
	if group.RuleCriteria == "" {
		return nil, ErrNoRuleCriteria
	}

	var criteria Criteria
	if err := json.Unmarshal([]byte(group.RuleCriteria), &criteria); err != nil {
		return nil, fmt.Errorf("parse rule criteria: %w", err)
	}
	if len(criteria.Rules) == 0 {
		return nil, ErrNoRuleCriteria
	}

	matching, err := s.EvaluateRules(ctx, tenantID, criteria)
	if err != nil {
		return nil, err
	}
	matchingSet := make(map[string]struct{}, len(matching))
	for _, id := range matching {
		matchingSet[id] = struct{}{}
	}

	members, err := s.Store.ActiveMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	currentSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		currentSet[m.ContactID] = struct{}{}
	}

	var toAdd, toRemove []string
	for _, id := range matching {
		if _, ok := currentSet[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for _, m := range members {
		if _, ok := matchingSet[m.ContactID]; !ok {
			toRemove = append(toRemove, m.ContactID)
		}
	}

	if len(toAdd) > 0 {
		if err := s.Store.AddMembers(ctx, groupID, toAdd); err != nil {
			return nil, fmt.Errorf("add members: %w", err)
		}
	}
	if len(toRemove) > 0 {
		if err := s.Store.RemoveMembers(ctx, groupID, toRemove); err != nil {
			return nil, fmt.Errorf("remove members: %w", err)
		}
	}
	if err := s.Store.SetContactCount(ctx, groupID, len(matching)); err != nil {
		return nil, fmt.Errorf("update contact count: %w", err)
	}

	result := &SyncResult{GroupID: groupID, Added: len(toAdd), Removed: len(toRemove), Total: len(matching)}
	s.Logger.Info().
		Str("group_id", groupID).
		Int("added", result.Added).
		Int("removed", result.Removed).
		Int("total", result.Total).
		Msg("dynamic group synced")
	return result, nil
}

// SyncAll reconciles every dynamic group of a tenant. Per-group failures are
// logged and do not stop the sweep.
func (s *Syncer) SyncAll(ctx context.Context, tenantID string) error {
	groups, err := s.Store.DynamicGroups(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load dynamic groups: %w", err)
	}
	for _, group := range groups {
		if _, err := s.SyncGroup(ctx, tenantID, group.ID); err != nil {
			s.Logger.Error().Err(err).Str("group_id", group.ID).Msg("group sync failed")
		}
	}
	return nil
}

// Run sweeps every tenant's dynamic groups on the given cadence until the
// context is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tenants, err := s.Store.TenantIDs(ctx)
		if err != nil {
			s.Logger.Error().Err(err).Msg("list tenants failed")
		}
		for _, tenantID := range tenants {
			if err := s.SyncAll(ctx, tenantID); err != nil {
				s.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant sweep failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
