// Package storage defines the persistence contracts for the token economy
// core. Plain reads and non-ledger writes go through the per-entity stores;
// every balance-affecting operation goes through a Tx obtained from InTx so
// the balance check, the ledger append, and the cached-balance update commit
// as one unit.
package storage

import (
	"context"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/domain/restaurant"
	"github.com/menudeck/menudeck/internal/app/domain/tokenrequest"
	"github.com/menudeck/menudeck/internal/app/domain/user"
)

// AgentStore persists agent records.
type AgentStore interface {
	CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	// GetAgentByUser returns the newest agent record for a user account.
	GetAgentByUser(ctx context.Context, userID string) (agent.Agent, error)
	GetAgentByCode(ctx context.Context, code string) (agent.Agent, error)
	ListAgents(ctx context.Context, status agent.ApprovalStatus) ([]agent.Agent, error)
}

// LedgerStore reads the append-only transaction log. Writes happen only
// inside a Tx.
type LedgerStore interface {
	ListTransactions(ctx context.Context, agentID string, limit int) ([]ledger.Transaction, error)
	// SumTransactions recomputes an agent's balance from the log. Used by the
	// reconciler to cross-check the cached balance.
	SumTransactions(ctx context.Context, agentID string) (int64, error)
}

// RequestStore persists token requests. Resolution happens inside a Tx.
type RequestStore interface {
	CreateRequest(ctx context.Context, req tokenrequest.Request) (tokenrequest.Request, error)
	GetRequest(ctx context.Context, id string) (tokenrequest.Request, error)
	ListRequests(ctx context.Context, agentID string, status tokenrequest.Status) ([]tokenrequest.Request, error)
}

// RestaurantStore reads provisioned restaurants. Creation happens inside a Tx.
type RestaurantStore interface {
	GetRestaurant(ctx context.Context, id string) (restaurant.Restaurant, error)
	ListRestaurants(ctx context.Context, agentID string) ([]restaurant.Restaurant, error)
}

// UserStore persists login accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByUsername(ctx context.Context, username string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// Tx is a single atomic unit of work. AgentForUpdate takes an exclusive
// per-agent lock (a row lock in Postgres) held until the unit commits or
// rolls back; callers that also touch a request row must lock the request
// first and the agent second so concurrent Approve and Provision calls on
// the same agent cannot deadlock.
type Tx interface {
	// RequestForUpdate locks and returns a token request.
	RequestForUpdate(ctx context.Context, id string) (tokenrequest.Request, error)
	UpdateRequest(ctx context.Context, req tokenrequest.Request) (tokenrequest.Request, error)

	// AgentForUpdate locks and returns an agent, including the committed
	// cached balance as of the lock acquisition.
	AgentForUpdate(ctx context.Context, id string) (agent.Agent, error)
	UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)

	// AppendTransaction writes one immutable ledger entry.
	AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)

	CreateUser(ctx context.Context, u user.User) (user.User, error)
	CreateRestaurant(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error)
}

// TxRunner executes fn inside a transaction. When fn returns an error the
// transaction rolls back and none of its writes are visible.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full persistence surface the application wires.
type Store interface {
	AgentStore
	LedgerStore
	RequestStore
	RestaurantStore
	UserStore
	TxRunner
}
