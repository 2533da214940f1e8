// Package restaurant holds the premium-relevant slice of a restaurant record.
package restaurant

import "time"

// Restaurant is an account provisioned by an agent. Only the fields the
// provisioning core owns are modelled; menus and display settings live with
// the surrounding product.
type Restaurant struct {
	ID      string
	OwnerID string
	AgentID string

	Name    string
	Address string
	Phone   string

	IsPremium        bool
	PremiumExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PremiumActive reports whether the premium window covers the given instant.
// Expiry is a read-time check, not a stored transition.
func (r Restaurant) PremiumActive(now time.Time) bool {
	return r.IsPremium && now.Before(r.PremiumExpiresAt)
}
