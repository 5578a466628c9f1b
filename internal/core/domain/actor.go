package domain

type Role string

const (
	RoleStudent        Role = "Student"
	RoleLecturer       Role = "Lecturer"
	RoleARA            Role = "ARA"
	RoleDepartmentHead Role = "DepartmentHead"
	RoleStoreManager   Role = "StoreManager"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleLecturer, RoleARA, RoleDepartmentHead, RoleStoreManager:
		return true
	}
	return false
}

// Actor is an already authenticated caller.
type Actor struct {
	ID   string
	Role Role
}

// Is reports whether the actor holds one of the given roles.
func (a Actor) Is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}
