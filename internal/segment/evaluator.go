package segment

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Evaluator interprets a rule tree over contact data. Evaluation is a total
// function: an operator that is meaningless for a field's type yields false,
// never an error.
type Evaluator struct {
	Logger zerolog.Logger
}

// EvaluateContact applies every rule and combines results per the criteria's
// logic. Empty criteria match nothing.
func (e *Evaluator) EvaluateContact(contact Contact, criteria Criteria, engagements map[string]Engagement, tags map[string][]TagAssignment) bool {
	if len(criteria.Rules) == 0 {
		return false
	}
	for _, rule := range criteria.Rules {
		matched := e.EvaluateRule(contact, rule, engagements, tags)
		if criteria.Logic == LogicOr && matched {
			return true
		}
		if criteria.Logic != LogicOr && !matched {
			return false
		}
	}
	return criteria.Logic != LogicOr
}

func (e *Evaluator) EvaluateRule(contact Contact, rule Rule, engagements map[string]Engagement, tags map[string][]TagAssignment) bool {
	switch rule.Field {
	case FieldEmail:
		return evalString(contact.Email, rule.Operator, rule.Value)
	case FieldFirstName:
		return evalString(contact.FirstName, rule.Operator, rule.Value)
	case FieldLastName:
		return evalString(contact.LastName, rule.Operator, rule.Value)
	case FieldPhoneNumber:
		return evalString(contact.PhoneNumber, rule.Operator, rule.Value)
	case FieldCountry:
		return evalString(contact.Country, rule.Operator, rule.Value)
	case FieldCity:
		return evalString(contact.City, rule.Operator, rule.Value)
	case FieldPostalCode:
		return evalString(contact.PostalCode, rule.Operator, rule.Value)
	case FieldIsActive:
		return evalBool(contact.IsActive, rule.Operator, rule.Value)
	case FieldHasTag:
		return evalTag(tags[contact.ID], rule.Operator, rule.Value)
	case FieldCustomAttribute:
		return evalCustomAttribute(contact.CustomAttributes, rule.AttributeName, rule.Operator, rule.Value)
	case FieldTotalMessagesSent, FieldTotalMessagesDelivered, FieldTotalClicks,
		FieldEngagementScore, FieldLastEngagementDate:
		return evalEngagement(contact.ID, rule, engagements)
	default:
		e.Logger.Warn().Str("field", string(rule.Field)).Msg("unknown rule field")
		return false
	}
}

func evalString(fieldValue string, op RuleOperator, ruleValue string) bool {
	isNull := fieldValue == ""
	fieldValue = strings.ToLower(fieldValue)
	ruleValue = strings.ToLower(ruleValue)

	switch op {
	case OpEquals:
		return fieldValue == ruleValue
	case OpNotEquals:
		return fieldValue != ruleValue
	case OpContains:
		return strings.Contains(fieldValue, ruleValue)
	case OpNotContains:
		return !strings.Contains(fieldValue, ruleValue)
	case OpStartsWith:
		return strings.HasPrefix(fieldValue, ruleValue)
	case OpEndsWith:
		return strings.HasSuffix(fieldValue, ruleValue)
	case OpIsNull:
		return isNull
	case OpIsNotNull:
		return !isNull
	case OpIn:
		return containsValue(ruleValue, fieldValue)
	case OpNotIn:
		return !containsValue(ruleValue, fieldValue)
	default:
		return false
	}
}

func containsValue(csv, value string) bool {
	for _, candidate := range strings.Split(csv, ",") {
		if strings.TrimSpace(candidate) == value {
			return true
		}
	}
	return false
}

func evalBool(fieldValue bool, op RuleOperator, ruleValue string) bool {
	target, err := strconv.ParseBool(ruleValue)
	if err != nil {
		return false
	}
	switch op {
	case OpEquals:
		return fieldValue == target
	case OpNotEquals:
		return fieldValue != target
	default:
		return false
	}
}

func evalNumeric(fieldValue float64, op RuleOperator, ruleValue string) bool {
	target, err := strconv.ParseFloat(strings.TrimSpace(ruleValue), 64)
	if err != nil {
		return false
	}
	switch op {
	case OpEquals:
		return fieldValue == target
	case OpNotEquals:
		return fieldValue != target
	case OpGreaterThan:
		return fieldValue > target
	case OpLessThan:
		return fieldValue < target
	case OpGreaterOrEqual:
		return fieldValue >= target
	case OpLessOrEqual:
		return fieldValue <= target
	default:
		return false
	}
}

func evalDate(fieldValue *time.Time, op RuleOperator, ruleValue string) bool {
	if fieldValue == nil {
		return op == OpIsNull
	}
	if op == OpIsNotNull {
		return true
	}
	target, err := parseDate(ruleValue)
	if err != nil {
		return false
	}
	switch op {
	case OpEquals:
		return sameDay(*fieldValue, target)
	case OpNotEquals:
		return !sameDay(*fieldValue, target)
	case OpGreaterThan:
		return fieldValue.After(target)
	case OpLessThan:
		return fieldValue.Before(target)
	case OpGreaterOrEqual:
		return !fieldValue.Before(target)
	case OpLessOrEqual:
		return !fieldValue.After(target)
	default:
		return false
	}
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Truncate(24*time.Hour) == b.UTC().Truncate(24*time.Hour)
}

// evalTag: an empty rule value asks about the presence of any tag; a numeric
// value asks about one specific tag id.
func evalTag(assignments []TagAssignment, op RuleOperator, ruleValue string) bool {
	hasAny := len(assignments) > 0

	if ruleValue == "" {
		if op == OpIsNotNull {
			return hasAny
		}
		return !hasAny
	}

	tagID, err := strconv.Atoi(strings.TrimSpace(ruleValue))
	if err != nil {
		return false
	}
	hasSpecific := false
	for _, assignment := range assignments {
		if assignment.TagID == tagID {
			hasSpecific = true
			break
		}
	}
	if op == OpEquals {
		return hasSpecific
	}
	return !hasSpecific
}

// evalCustomAttribute treats a missing map, unparseable JSON or an absent key
// as null: only IsNull matches. IsNotNull is satisfied by bare key presence.
func evalCustomAttribute(attributesJSON, attributeName string, op RuleOperator, ruleValue string) bool {
	if attributeName == "" {
		return false
	}

	var attributes map[string]string
	if attributesJSON != "" {
		if err := json.Unmarshal([]byte(attributesJSON), &attributes); err != nil {
			return op == OpIsNull
		}
	}

	value, ok := attributes[attributeName]
	if !ok {
		return op == OpIsNull
	}
	if op == OpIsNotNull {
		return true
	}
	return evalString(value, op, ruleValue)
}

func evalEngagement(contactID string, rule Rule, engagements map[string]Engagement) bool {
	engagement, ok := engagements[contactID]
	if !ok {
		return rule.Operator == OpIsNull
	}
	switch rule.Field {
	case FieldTotalMessagesSent:
		return evalNumeric(float64(engagement.TotalMessagesSent), rule.Operator, rule.Value)
	case FieldTotalMessagesDelivered:
		return evalNumeric(float64(engagement.TotalMessagesDelivered), rule.Operator, rule.Value)
	case FieldTotalClicks:
		return evalNumeric(float64(engagement.TotalClicks), rule.Operator, rule.Value)
	case FieldEngagementScore:
		return evalNumeric(engagement.EngagementScore, rule.Operator, rule.Value)
	case FieldLastEngagementDate:
		return evalDate(engagement.LastEngagementDate, rule.Operator, rule.Value)
	default:
		return false
	}
}
