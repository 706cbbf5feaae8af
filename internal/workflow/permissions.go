package workflow

import "billtracker/internal/domain"

type Action string

const (
	ActionCreate       Action = "create"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionWithdrawOwn  Action = "withdraw_own"
	ActionDirectCommit Action = "direct_commit"
	ActionResolveFlag  Action = "resolve_flag"
	ActionManageBills  Action = "manage_bills"
)

var permissions = map[domain.Role]map[Action]bool{
	domain.RoleMember: {
		ActionCreate:      true,
		ActionWithdrawOwn: true,
	},
	domain.RoleSupervisor: {
		ActionCreate:       true,
		ActionApprove:      true,
		ActionReject:       true,
		ActionWithdrawOwn:  true,
		ActionDirectCommit: true,
		ActionResolveFlag:  true,
		ActionManageBills:  true,
	},
	domain.RoleAdmin: {
		ActionCreate:       true,
		ActionApprove:      true,
		ActionReject:       true,
		ActionWithdrawOwn:  true,
		ActionDirectCommit: true,
		ActionResolveFlag:  true,
		ActionManageBills:  true,
	},
}

// Can reports whether role may perform action. Unknown roles may do nothing.
func Can(role domain.Role, action Action) bool {
	return permissions[role][action]
}
