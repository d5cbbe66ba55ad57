package domain

import "sort"

// SelectRule picks the single governing rule for an invoice.
//
// Conditional rules (USER, AUTO_APPROVE) are tried first; catch-all rules
// only apply when no conditional rule matched. Among matches the lowest
// priority value wins, with ties broken by ascending rule ID so routing
// stays reproducible across runs.
//
// Returns nil when nothing matches and the caller reports the routing gap;
// an unrouted invoice is a tenant configuration problem, not an error here.
func SelectRule(snap InvoiceSnapshot, rules []*ApprovalRule) *ApprovalRule {
	var conditional, catchAll []*ApprovalRule

	for _, rule := range rules {
		if rule == nil || !rule.IsActive || rule.CompanyID != snap.CompanyID {
			continue
		}
		switch rule.RuleType {
		case RuleTypeUser, RuleTypeAutoApprove:
			conditional = append(conditional, rule)
		case RuleTypeUserCatchAll:
			catchAll = append(catchAll, rule)
		}
	}

	if match := firstMatch(snap, conditional, false); match != nil {
		return match
	}
	// Catch-all rules carry no conditions; more than one may exist and the
	// same ordering picks between them.
	return firstMatch(snap, catchAll, true)
}

func firstMatch(snap InvoiceSnapshot, rules []*ApprovalRule, skipConditions bool) *ApprovalRule {
	var matches []*ApprovalRule
	for _, rule := range rules {
		if skipConditions || ConditionsMatch(snap, rule.Conditions) {
			matches = append(matches, rule)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority < matches[j].Priority
		}
		return matches[i].ID < matches[j].ID
	})
	return matches[0]
}
