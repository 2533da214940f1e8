// Package memory is a thread-safe in-memory implementation of the storage
// contracts. It is intended for tests and prototyping; the unit of work takes
// the store-wide write lock, stages every mutation, and applies nothing until
// the callback succeeds, so rollback semantics match the Postgres store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/domain/restaurant"
	"github.com/menudeck/menudeck/internal/app/domain/tokenrequest"
	"github.com/menudeck/menudeck/internal/app/domain/user"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
)

// Store is the in-memory persistence layer.
type Store struct {
	mu sync.RWMutex

	agents       map[string]agent.Agent
	transactions []ledger.Transaction
	requests     map[string]tokenrequest.Request
	restaurants  map[string]restaurant.Restaurant
	users        map[string]user.User
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:      make(map[string]agent.Agent),
		requests:    make(map[string]tokenrequest.Request),
		restaurants: make(map[string]restaurant.Restaurant),
		users:       make(map[string]user.User),
	}
}

// AgentStore ------------------------------------------------------------------

func (s *Store) CreateAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	} else if _, exists := s.agents[a.ID]; exists {
		return agent.Agent{}, apperr.Conflict("agent %s already exists", a.ID)
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Profile.Documents = append([]string(nil), a.Profile.Documents...)

	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (s *Store) UpdateAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAgentLocked(a)
}

func (s *Store) updateAgentLocked(a agent.Agent) (agent.Agent, error) {
	original, ok := s.agents[a.ID]
	if !ok {
		return agent.Agent{}, apperr.NotFound("agent %s not found", a.ID)
	}
	a.CreatedAt = original.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	a.Profile.Documents = append([]string(nil), a.Profile.Documents...)
	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (s *Store) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, apperr.NotFound("agent %s not found", id)
	}
	return cloneAgent(a), nil
}

func (s *Store) GetAgentByUser(_ context.Context, userID string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found  bool
		newest agent.Agent
	)
	for _, a := range s.agents {
		if a.UserID != userID {
			continue
		}
		if !found || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
			found = true
		}
	}
	if !found {
		return agent.Agent{}, apperr.NotFound("no agent for user %s", userID)
	}
	return cloneAgent(newest), nil
}

func (s *Store) GetAgentByCode(_ context.Context, code string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.AgentCode != "" && a.AgentCode == code {
			return cloneAgent(a), nil
		}
	}
	return agent.Agent{}, apperr.NotFound("no agent with code %s", code)
}

func (s *Store) ListAgents(_ context.Context, status agent.ApprovalStatus) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if status == "" || a.Status == status {
			result = append(result, cloneAgent(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// LedgerStore -----------------------------------------------------------------

func (s *Store) ListTransactions(_ context.Context, agentID string, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Transaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if agentID != "" && tx.AgentID != agentID {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SumTransactions(_ context.Context, agentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.transactions {
		if tx.AgentID == agentID {
			sum += tx.Amount
		}
	}
	return sum, nil
}

// RequestStore ----------------------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req tokenrequest.Request) (tokenrequest.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, exists := s.requests[req.ID]; exists {
		return tokenrequest.Request{}, apperr.Conflict("request %s already exists", req.ID)
	}

	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	s.requests[req.ID] = req
	return req, nil
}

func (s *Store) GetRequest(_ context.Context, id string) (tokenrequest.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return tokenrequest.Request{}, apperr.NotFound("request %s not found", id)
	}
	return req, nil
}

func (s *Store) ListRequests(_ context.Context, agentID string, status tokenrequest.Status) ([]tokenrequest.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]tokenrequest.Request, 0)
	for _, req := range s.requests {
		if agentID != "" && req.AgentID != agentID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// RestaurantStore -------------------------------------------------------------

func (s *Store) GetRestaurant(_ context.Context, id string) (restaurant.Restaurant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.restaurants[id]
	if !ok {
		return restaurant.Restaurant{}, apperr.NotFound("restaurant %s not found", id)
	}
	return r, nil
}

func (s *Store) ListRestaurants(_ context.Context, agentID string) ([]restaurant.Restaurant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]restaurant.Restaurant, 0)
	for _, r := range s.restaurants {
		if agentID == "" || r.AgentID == agentID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// UserStore -------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(u)
}

func (s *Store) createUserLocked(u user.User) (user.User, error) {
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return user.User{}, apperr.Conflict("username %q already taken", u.Username)
		}
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return user.User{}, apperr.Conflict("email %q already registered", u.Email)
		}
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, apperr.NotFound("user %s not found", id)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return user.User{}, apperr.NotFound("user %q not found", username)
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return user.User{}, apperr.NotFound("no user with email %q", email)
}

// TxRunner --------------------------------------------------------------------

// InTx serializes units of work behind the store-wide write lock and applies
// staged writes only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return apperr.Transient(err, "unit of work aborted")
	}

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes against the store while the store lock is held.
type memTx struct {
	store *Store

	agents         map[string]agent.Agent
	requests       map[string]tokenrequest.Request
	appended       []ledger.Transaction
	newUsers       []user.User
	newRestaurants []restaurant.Restaurant
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) RequestForUpdate(_ context.Context, id string) (tokenrequest.Request, error) {
	if staged, ok := t.requests[id]; ok {
		return staged, nil
	}
	req, ok := t.store.requests[id]
	if !ok {
		return tokenrequest.Request{}, apperr.NotFound("request %s not found", id)
	}
	return req, nil
}

func (t *memTx) UpdateRequest(_ context.Context, req tokenrequest.Request) (tokenrequest.Request, error) {
	if _, ok := t.store.requests[req.ID]; !ok {
		if _, staged := t.requests[req.ID]; !staged {
			return tokenrequest.Request{}, apperr.NotFound("request %s not found", req.ID)
		}
	}
	req.UpdatedAt = time.Now().UTC()
	if t.requests == nil {
		t.requests = make(map[string]tokenrequest.Request)
	}
	t.requests[req.ID] = req
	return req, nil
}

func (t *memTx) AgentForUpdate(_ context.Context, id string) (agent.Agent, error) {
	if staged, ok := t.agents[id]; ok {
		return cloneAgent(staged), nil
	}
	a, ok := t.store.agents[id]
	if !ok {
		return agent.Agent{}, apperr.NotFound("agent %s not found", id)
	}
	return cloneAgent(a), nil
}

func (t *memTx) UpdateAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	original, ok := t.store.agents[a.ID]
	if !ok {
		return agent.Agent{}, apperr.NotFound("agent %s not found", a.ID)
	}
	a.CreatedAt = original.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	if t.agents == nil {
		t.agents = make(map[string]agent.Agent)
	}
	t.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (t *memTx) AppendTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	t.appended = append(t.appended, tx)
	return tx, nil
}

func (t *memTx) CreateUser(_ context.Context, u user.User) (user.User, error) {
	for _, staged := range t.newUsers {
		if strings.EqualFold(staged.Username, u.Username) {
			return user.User{}, apperr.Conflict("username %q already taken", u.Username)
		}
	}
	for _, existing := range t.store.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return user.User{}, apperr.Conflict("username %q already taken", u.Username)
		}
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return user.User{}, apperr.Conflict("email %q already registered", u.Email)
		}
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	t.newUsers = append(t.newUsers, u)
	return u, nil
}

func (t *memTx) CreateRestaurant(_ context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	t.newRestaurants = append(t.newRestaurants, r)
	return r, nil
}

func (t *memTx) commit() {
	for id, a := range t.agents {
		t.store.agents[id] = a
	}
	for id, req := range t.requests {
		t.store.requests[id] = req
	}
	t.store.transactions = append(t.store.transactions, t.appended...)
	for _, u := range t.newUsers {
		t.store.users[u.ID] = u
	}
	for _, r := range t.newRestaurants {
		t.store.restaurants[r.ID] = r
	}
}

// Helpers ---------------------------------------------------------------------

func cloneAgent(a agent.Agent) agent.Agent {
	a.Profile.Documents = append([]string(nil), a.Profile.Documents...)
	return a
}
