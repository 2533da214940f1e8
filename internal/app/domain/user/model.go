// Package user holds the owner account records the provisioning core creates.
package user

import "time"

// Role classifies an account within the core.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// User is a login account. Password hashing is done by the identity service;
// stores only ever see the hash.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role

	CreatedAt time.Time
	UpdatedAt time.Time
}
