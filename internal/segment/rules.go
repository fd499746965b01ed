package segment

import "time"

type RuleLogic string

const (
	LogicAnd RuleLogic = "and"
	LogicOr  RuleLogic = "or"
)

type RuleField string

const (
	FieldEmail                  RuleField = "email"
	FieldFirstName              RuleField = "first_name"
	FieldLastName               RuleField = "last_name"
	FieldPhoneNumber            RuleField = "phone_number"
	FieldCountry                RuleField = "country"
	FieldCity                   RuleField = "city"
	FieldPostalCode             RuleField = "postal_code"
	FieldIsActive               RuleField = "is_active"
	FieldHasTag                 RuleField = "has_tag"
	FieldCustomAttribute        RuleField = "custom_attribute"
	FieldTotalMessagesSent      RuleField = "total_messages_sent"
	FieldTotalMessagesDelivered RuleField = "total_messages_delivered"
	FieldTotalClicks            RuleField = "total_clicks"
	FieldEngagementScore        RuleField = "engagement_score"
	FieldLastEngagementDate     RuleField = "last_engagement_date"
)

type RuleOperator string

const (
	OpEquals         RuleOperator = "equals"
	OpNotEquals      RuleOperator = "not_equals"
	OpContains       RuleOperator = "contains"
	OpNotContains    RuleOperator = "not_contains"
	OpStartsWith     RuleOperator = "starts_with"
	OpEndsWith       RuleOperator = "ends_with"
	OpIsNull         RuleOperator = "is_null"
	OpIsNotNull      RuleOperator = "is_not_null"
	OpIn             RuleOperator = "in"
	OpNotIn          RuleOperator = "not_in"
	OpGreaterThan    RuleOperator = "greater_than"
	OpLessThan       RuleOperator = "less_than"
	OpGreaterOrEqual RuleOperator = "greater_or_equal"
	OpLessOrEqual    RuleOperator = "less_or_equal"
)

// Rule is one typed predicate over a contact field. AttributeName is only
// meaningful for the custom-attribute field.
type Rule struct {
	Field         RuleField    `json:"field"`
	Operator      RuleOperator `json:"operator"`
	Value         string       `json:"value"`
	AttributeName string       `json:"attribute_name,omitempty"`
}

// Criteria combines rules with a single boolean connective.
type Criteria struct {
	Logic RuleLogic `json:"logic"`
	Rules []Rule    `json:"rules"`
}

// Contact is the evaluation subject. CustomAttributes holds a JSON object of
// string key/value pairs; malformed payloads evaluate as "no attributes".
type Contact struct {
	ID               string
	TenantID         string
	Email            string
	FirstName        string
	LastName         string
	PhoneNumber      string
	Country          string
	City             string
	PostalCode       string
	IsActive         bool
	CustomAttributes string
}

// Engagement carries per-contact delivery and interaction counters.
type Engagement struct {
	ContactID              string
	TotalMessagesSent      int
	TotalMessagesDelivered int
	TotalClicks            int
	EngagementScore        float64
	LastEngagementDate     *time.Time
}

// TagAssignment links a contact to one tag.
type TagAssignment struct {
	ContactID string
	TagID     int
}

// Group is a contact group; dynamic groups carry rule criteria as JSON and
// have their membership materialized by the Syncer.
type Group struct {
	ID           string
	TenantID     string
	Name         string
	IsDynamic    bool
	RuleCriteria string
	ContactCount int
}

// Member is one active group membership.
type Member struct {
	ContactID string
	GroupID   string
	JoinedAt  time.Time
}
