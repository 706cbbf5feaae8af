package domain

type Role string

const (
	RoleMember     Role = "member"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Privileged reports whether the role may approve, reject and commit.
func (r Role) Privileged() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Actor is the caller of a workflow operation as resolved by the identity
// provider.
type Actor struct {
	UserID string
	Name   string
	Role   Role
	// Subordinates scopes a supervisor's view of pending proposals.
	Subordinates []string
}

// ClassifierActor proposes changes on behalf of automated classifier runs.
var ClassifierActor = Actor{UserID: "classifier", Name: "Classifier", Role: RoleMember}

func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.UserID
}
