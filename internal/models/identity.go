package models

import "time"

// Role is the integer role code carried on every identity record.
type Role int

const (
	RoleAdmin    Role = 1
	RoleStaff    Role = 2
	RoleCustomer Role = 3
	RoleAgent    Role = 4
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleStaff:
		return "staff"
	case RoleCustomer:
		return "customer"
	case RoleAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Identity is the authenticated user record as served by the identity
// service. The gateway fetches it and never mutates it.
type Identity struct {
	ID        int64     `json:"id"`
	Mobile    string    `json:"mobile"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Email     string    `json:"email"`
	State     string    `json:"state"`
	City      string    `json:"city"`
	Pincode   string    `json:"pincode"`
	Status    string    `json:"status"`
	PhotoURL  string    `json:"photo_url"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
