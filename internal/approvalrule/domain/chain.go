package domain

// Chain is the expansion of a selected rule: either an auto-approval
// marker or the ordered approver list the invoice must pass through.
type Chain struct {
	AutoApprove bool
	Approvers   []string
}

// BuildChain expands a rule into its approver chain. Stored approver
// lists are de-duplicated, first occurrence wins. An empty approver list
// on a non-auto rule is an administration error, never a silent
// auto-approval.
func BuildChain(rule *ApprovalRule) (Chain, error) {
	if rule == nil {
		return Chain{}, ErrNotFound
	}

	if rule.RuleType == RuleTypeAutoApprove {
		return Chain{AutoApprove: true}, nil
	}

	seen := make(map[string]struct{}, len(rule.ApproverUserIDs))
	approvers := make([]string, 0, len(rule.ApproverUserIDs))
	for _, userID := range rule.ApproverUserIDs {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		approvers = append(approvers, userID)
	}

	if len(approvers) == 0 {
		return Chain{}, ErrEmptyApproverChain
	}
	return Chain{Approvers: approvers}, nil
}
