// Package domain contains the approval rule model and the pure routing
// logic: condition evaluation, rule selection and chain building.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RuleType determines how a rule routes an invoice.
type RuleType string

const (
	// RuleTypeUser routes to the rule's approver list when its conditions match.
	RuleTypeUser RuleType = "USER"
	// RuleTypeUserCatchAll routes to the approver list when no conditional rule matched.
	RuleTypeUserCatchAll RuleType = "USER_CATCH_ALL"
	// RuleTypeAutoApprove approves the invoice without human action.
	RuleTypeAutoApprove RuleType = "AUTO_APPROVE"
)

// ConditionField is the invoice attribute a condition inspects.
type ConditionField string

const (
	FieldCompany  ConditionField = "COMPANY"
	FieldAmount   ConditionField = "AMOUNT"
	FieldJob      ConditionField = "JOB"
	FieldSupplier ConditionField = "SUPPLIER"
	FieldGLCode   ConditionField = "GL_CODE"
)

// ConditionOperator compares the invoice value against a condition value.
type ConditionOperator string

const (
	OpEquals            ConditionOperator = "EQUALS"
	OpNotEquals         ConditionOperator = "NOT_EQUALS"
	OpGreaterThan       ConditionOperator = "GREATER_THAN"
	OpLessThan          ConditionOperator = "LESS_THAN"
	OpGreaterThanEquals ConditionOperator = "GREATER_THAN_OR_EQUALS"
	OpLessThanEquals    ConditionOperator = "LESS_THAN_OR_EQUALS"
)

// legalOperators maps each field to the operators administration accepts.
// Numeric comparators only apply to AMOUNT.
var legalOperators = map[ConditionField][]ConditionOperator{
	FieldCompany:  {OpEquals, OpNotEquals},
	FieldAmount:   {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterThanEquals, OpLessThanEquals},
	FieldJob:      {OpEquals},
	FieldSupplier: {OpEquals, OpNotEquals},
	FieldGLCode:   {OpEquals},
}

// OperatorLegalFor reports whether op may be used on field.
func OperatorLegalFor(field ConditionField, op ConditionOperator) bool {
	for _, legal := range legalOperators[field] {
		if legal == op {
			return true
		}
	}
	return false
}

// LegacyCondition is the flat shape older rule rows carry instead of the
// field/operator/values form. Unset members are ignored during evaluation.
type LegacyCondition struct {
	MinAmount  *float64 `json:"minAmount,omitempty"`
	MaxAmount  *float64 `json:"maxAmount,omitempty"`
	SupplierID *string  `json:"supplierId,omitempty"`
}

// Condition is one clause in a rule's condition list. Clauses AND together;
// values inside one clause OR together. A condition is either the current
// field/operator/values shape or a legacy flat shape, decided at decode
// time. Legacy rows are never migrated.
type Condition struct {
	Field    ConditionField    `json:"field,omitempty"`
	Operator ConditionOperator `json:"operator,omitempty"`
	Values   []string          `json:"values,omitempty"`

	Legacy *LegacyCondition `json:"-"`
}

// conditionJSON mirrors the modern wire shape for decoding.
type conditionJSON struct {
	Field    ConditionField    `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Values   []string          `json:"values"`
}

// UnmarshalJSON decodes either condition shape. Objects carrying a "field"
// key are the current shape; anything else is treated as a legacy record.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if _, ok := probe["field"]; ok {
		var modern conditionJSON
		if err := json.Unmarshal(data, &modern); err != nil {
			return err
		}
		*c = Condition{
			Field:    modern.Field,
			Operator: modern.Operator,
			Values:   modern.Values,
		}
		return nil
	}

	var legacy LegacyCondition
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	*c = Condition{Legacy: &legacy}
	return nil
}

// MarshalJSON writes legacy conditions back out in their original shape.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Legacy != nil {
		return json.Marshal(c.Legacy)
	}
	return json.Marshal(conditionJSON{
		Field:    c.Field,
		Operator: c.Operator,
		Values:   c.Values,
	})
}

// IsLegacy reports whether the condition was decoded from the flat shape.
func (c Condition) IsLegacy() bool { return c.Legacy != nil }

// ApprovalRule is one tenant-scoped routing policy.
type ApprovalRule struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID       snowflake.ID `gorm:"not null;index:idx_approval_rules_company" json:"company_id"`
	Name            string       `gorm:"not null" json:"name"`
	Description     string       `gorm:"type:text" json:"description,omitempty"`
	RuleType        RuleType     `gorm:"type:text;not null" json:"rule_type"`
	IsActive        bool         `gorm:"not null;default:true" json:"is_active"`
	Priority        int          `gorm:"not null;default:0" json:"priority"`
	Conditions      []Condition  `gorm:"type:jsonb;serializer:json" json:"conditions"`
	ApproverUserIDs []string     `gorm:"type:jsonb;serializer:json;column:approver_user_ids" json:"approver_user_ids"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ApprovalRule) TableName() string { return "approval_rules" }
