package domain

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// InvoiceSnapshot carries the invoice attributes conditions inspect,
// resolved once by the caller. JobID and GLCode come from the invoice's
// cost-code lines.
type InvoiceSnapshot struct {
	CompanyID  snowflake.ID
	TotalInc   int64
	SupplierID string
	JobID      string
	GLCode     string
}

// Matches reports whether the snapshot satisfies the condition. Values OR
// together: the condition holds if the invoice value satisfies the operator
// against any listed value. An empty value list is vacuously true, so bad
// data routes rather than errors.
func (c Condition) Matches(snap InvoiceSnapshot) bool {
	if c.Legacy != nil {
		return c.Legacy.matches(snap)
	}

	if len(c.Values) == 0 {
		return true
	}

	if c.Field == FieldAmount {
		return matchesAmount(snap.TotalInc, c.Operator, c.Values)
	}

	value := snap.fieldValue(c.Field)
	for _, candidate := range c.Values {
		if matchesString(value, c.Operator, candidate) {
			return true
		}
	}
	return false
}

// ConditionsMatch applies the full clause list: every condition must hold.
func ConditionsMatch(snap InvoiceSnapshot, conditions []Condition) bool {
	for _, condition := range conditions {
		if !condition.Matches(snap) {
			return false
		}
	}
	return true
}

func (snap InvoiceSnapshot) fieldValue(field ConditionField) string {
	switch field {
	case FieldCompany:
		return snap.CompanyID.String()
	case FieldJob:
		return snap.JobID
	case FieldSupplier:
		return snap.SupplierID
	case FieldGLCode:
		return snap.GLCode
	default:
		return ""
	}
}

func matchesString(value string, op ConditionOperator, candidate string) bool {
	switch op {
	case OpEquals:
		return value == candidate
	case OpNotEquals:
		return value != candidate
	default:
		return false
	}
}

// matchesAmount compares the invoice total numerically against each
// candidate literal. Invalid literals never match. Comparison uses the
// absolute total so credit notes route by magnitude.
func matchesAmount(totalInc int64, op ConditionOperator, values []string) bool {
	amount := float64(totalInc)
	if amount < 0 {
		amount = -amount
	}

	for _, raw := range values {
		target, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		if compareAmount(amount, op, target) {
			return true
		}
	}
	return false
}

func compareAmount(amount float64, op ConditionOperator, target float64) bool {
	switch op {
	case OpEquals:
		return amount == target
	case OpNotEquals:
		return amount != target
	case OpGreaterThan:
		return amount > target
	case OpLessThan:
		return amount < target
	case OpGreaterThanEquals:
		return amount >= target
	case OpLessThanEquals:
		return amount <= target
	default:
		return false
	}
}

// matches evaluates the legacy flat shape: an implicit AND of the bounds
// and supplier checks that are present.
func (l LegacyCondition) matches(snap InvoiceSnapshot) bool {
	amount := float64(snap.TotalInc)
	if amount < 0 {
		amount = -amount
	}

	if l.MinAmount != nil && amount < *l.MinAmount {
		return false
	}
	if l.MaxAmount != nil && amount > *l.MaxAmount {
		return false
	}
	if l.SupplierID != nil && *l.SupplierID != "" && snap.SupplierID != *l.SupplierID {
		return false
	}
	return true
}
