package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
)

func newRule(id int64, companyID snowflake.ID, ruleType RuleType, priority int, conditions ...Condition) *ApprovalRule {
	return &ApprovalRule{
		ID:              snowflake.ID(id),
		CompanyID:       companyID,
		Name:            "rule",
		RuleType:        ruleType,
		IsActive:        true,
		Priority:        priority,
		Conditions:      conditions,
		ApproverUserIDs: []string{"approver-1"},
	}
}

func amountOver(value string) Condition {
	return Condition{Field: FieldAmount, Operator: OpGreaterThan, Values: []string{value}}
}

func TestSelectRulePrefersLowestPriority(t *testing.T) {
	company := snowflake.ID(42)
	snap := InvoiceSnapshot{CompanyID: company, TotalInc: 15000}

	rules := []*ApprovalRule{
		newRule(3, company, RuleTypeUser, 20, amountOver("10000")),
		newRule(1, company, RuleTypeUser, 10, amountOver("10000")),
		newRule(2, company, RuleTypeUser, 30, amountOver("10000")),
	}

	selected := SelectRule(snap, rules)
	if selected == nil || selected.ID != 1 {
		t.Fatalf("expected rule 1, got %+v", selected)
	}
}

func TestSelectRuleBreaksPriorityTiesByID(t *testing.T) {
	company := snowflake.ID(42)
	snap := InvoiceSnapshot{CompanyID: company, TotalInc: 15000}

	rules := []*ApprovalRule{
		newRule(9, company, RuleTypeUser, 10, amountOver("10000")),
		newRule(4, company, RuleTypeUser, 10, amountOver("10000")),
	}

	selected := SelectRule(snap, rules)
	if selected == nil || selected.ID != 4 {
		t.Fatalf("expected rule 4 on tie, got %+v", selected)
	}
}

func TestSelectRuleCatchAllOnlyWhenNoConditionalMatch(t *testing.T) {
	company := snowflake.ID(42)

	conditional := newRule(1, company, RuleTypeUser, 10, amountOver("10000"))
	catchAll := newRule(2, company, RuleTypeUserCatchAll, 0)
	rules := []*ApprovalRule{conditional, catchAll}

	// Above threshold the conditional wins even though the catch-all has a
	// lower priority value.
	selected := SelectRule(InvoiceSnapshot{CompanyID: company, TotalInc: 15000}, rules)
	if selected == nil || selected.ID != 1 {
		t.Fatalf("expected conditional rule, got %+v", selected)
	}

	// Below threshold the catch-all picks it up.
	selected = SelectRule(InvoiceSnapshot{CompanyID: company, TotalInc: 5000}, rules)
	if selected == nil || selected.ID != 2 {
		t.Fatalf("expected catch-all rule, got %+v", selected)
	}
}

func TestSelectRuleNoMatchReturnsNil(t *testing.T) {
	company := snowflake.ID(42)
	rules := []*ApprovalRule{
		newRule(1, company, RuleTypeUser, 10, amountOver("10000")),
	}

	if selected := SelectRule(InvoiceSnapshot{CompanyID: company, TotalInc: 500}, rules); selected != nil {
		t.Fatalf("expected no selection, got %+v", selected)
	}
}

func TestSelectRuleSkipsInactiveAndForeignRules(t *testing.T) {
	company := snowflake.ID(42)
	snap := InvoiceSnapshot{CompanyID: company, TotalInc: 15000}

	inactive := newRule(1, company, RuleTypeUser, 10, amountOver("10000"))
	inactive.IsActive = false
	foreign := newRule(2, snowflake.ID(77), RuleTypeUser, 10, amountOver("10000"))

	if selected := SelectRule(snap, []*ApprovalRule{inactive, foreign}); selected != nil {
		t.Fatalf("expected no selection, got %+v", selected)
	}
}

func TestSelectRuleAutoApproveCompetesWithUserRules(t *testing.T) {
	company := snowflake.ID(42)
	snap := InvoiceSnapshot{CompanyID: company, TotalInc: 500}

	auto := newRule(1, company, RuleTypeAutoApprove, 5, Condition{
		Field: FieldAmount, Operator: OpLessThan, Values: []string{"1000"},
	})
	auto.ApproverUserIDs = nil
	user := newRule(2, company, RuleTypeUser, 10, Condition{
		Field: FieldAmount, Operator: OpLessThan, Values: []string{"1000"},
	})

	selected := SelectRule(snap, []*ApprovalRule{user, auto})
	if selected == nil || selected.RuleType != RuleTypeAutoApprove {
		t.Fatalf("expected auto-approve rule, got %+v", selected)
	}
}

func TestSelectRuleMultipleCatchAllsOrdered(t *testing.T) {
	company := snowflake.ID(42)
	snap := InvoiceSnapshot{CompanyID: company, TotalInc: 100}

	rules := []*ApprovalRule{
		newRule(8, company, RuleTypeUserCatchAll, 20),
		newRule(5, company, RuleTypeUserCatchAll, 10),
	}

	selected := SelectRule(snap, rules)
	if selected == nil || selected.ID != 5 {
		t.Fatalf("expected catch-all with lowest priority, got %+v", selected)
	}
}
