// Package postgres implements the storage contracts backed by PostgreSQL.
// Row locks taken via SELECT ... FOR UPDATE back the Tx contract; lock order
// is request row first, agent row second.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/domain/restaurant"
	"github.com/menudeck/menudeck/internal/app/domain/tokenrequest"
	"github.com/menudeck/menudeck/internal/app/domain/user"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- AgentStore -------------------------------------------------------------

const agentColumns = `id, user_id, name, date_of_birth, address, gov_id_type, gov_id_number,
	documents, status, agent_code, review_notes, rejection_reason, token_balance, active,
	created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, date_of_birth, address, gov_id_type,
			gov_id_number, documents, status, agent_code, review_notes, rejection_reason,
			token_balance, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.UserID, a.Profile.Name, a.Profile.DateOfBirth, a.Profile.Address,
		a.Profile.GovIDType, a.Profile.GovIDNumber, pq.Array(a.Profile.Documents),
		a.Status, nullString(a.AgentCode), a.ReviewNotes, a.RejectionReason,
		a.TokenBalance, a.Active, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, mapErr(err, "create agent")
	}
	return a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	a.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = $2, agent_code = $3, review_notes = $4, rejection_reason = $5,
			token_balance = $6, active = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.Status, nullString(a.AgentCode), a.ReviewNotes, a.RejectionReason,
		a.TokenBalance, a.Active, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, mapErr(err, "update agent")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return agent.Agent{}, apperr.NotFound("agent %s not found", a.ID)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE id = $1
	`, id)
	return scanAgent(row)
}

func (s *Store) GetAgentByUser(ctx context.Context, userID string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	return scanAgent(row)
}

func (s *Store) GetAgentByCode(ctx context.Context, code string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE agent_code = $1
	`, code)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context, status agent.ApprovalStatus) ([]agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "list agents")
	}
	defer rows.Close()

	result := make([]agent.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (agent.Agent, error) {
	var (
		a    agent.Agent
		code sql.NullString
		docs pq.StringArray
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Profile.Name, &a.Profile.DateOfBirth,
		&a.Profile.Address, &a.Profile.GovIDType, &a.Profile.GovIDNumber, &docs,
		&a.Status, &code, &a.ReviewNotes, &a.RejectionReason, &a.TokenBalance,
		&a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, mapErr(err, "scan agent")
	}
	a.AgentCode = code.String
	a.Profile.Documents = []string(docs)
	return a, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) ListTransactions(ctx context.Context, agentID string, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, agent_id, amount, reason, note, balance_after, created_at
		FROM token_transactions`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "list transactions")
	}
	defer rows.Close()

	result := make([]ledger.Transaction, 0)
	for rows.Next() {
		var tx ledger.Transaction
		if err := rows.Scan(&tx.ID, &tx.AgentID, &tx.Amount, &tx.Reason, &tx.Note,
			&tx.BalanceAfter, &tx.CreatedAt); err != nil {
			return nil, mapErr(err, "scan transaction")
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, agentID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM token_transactions
		WHERE agent_id = $1
	`, agentID).Scan(&sum)
	if err != nil {
		return 0, mapErr(err, "sum transactions")
	}
	return sum, nil
}

// --- RequestStore -----------------------------------------------------------

const requestColumns = `id, agent_id, tokens, notes, status, admin_notes, resolved_by,
	resolved_at, created_at, updated_at`

func (s *Store) CreateRequest(ctx context.Context, req tokenrequest.Request) (tokenrequest.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_requests (id, agent_id, tokens, notes, status, admin_notes,
			resolved_by, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, req.ID, req.AgentID, req.Tokens, req.Notes, req.Status, req.AdminNotes,
		req.ResolvedBy, toNullTime(req.ResolvedAt), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return tokenrequest.Request{}, mapErr(err, "create request")
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (tokenrequest.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM token_requests
		WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (s *Store) ListRequests(ctx context.Context, agentID string, status tokenrequest.Status) ([]tokenrequest.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM token_requests`
	clauses := []string{}
	args := []any{}
	if agentID != "" {
		args = append(args, agentID)
		clauses = append(clauses, `agent_id = $`+strconv.Itoa(len(args)))
	}
	if status != "" {
		args = append(args, status)
		clauses = append(clauses, `status = $`+strconv.Itoa(len(args)))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "list requests")
	}
	defer rows.Close()

	result := make([]tokenrequest.Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func scanRequest(row rowScanner) (tokenrequest.Request, error) {
	var (
		req        tokenrequest.Request
		resolvedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.AgentID, &req.Tokens, &req.Notes, &req.Status,
		&req.AdminNotes, &req.ResolvedBy, &resolvedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return tokenrequest.Request{}, mapErr(err, "scan request")
	}
	req.ResolvedAt = resolvedAt.Time
	return req, nil
}

// --- RestaurantStore --------------------------------------------------------

const restaurantColumns = `id, owner_id, agent_id, name, address, phone, is_premium,
	premium_expires_at, created_at, updated_at`

func (s *Store) GetRestaurant(ctx context.Context, id string) (restaurant.Restaurant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+restaurantColumns+`
		FROM restaurants
		WHERE id = $1
	`, id)
	return scanRestaurant(row)
}

func (s *Store) ListRestaurants(ctx context.Context, agentID string) ([]restaurant.Restaurant, error) {
	query := `SELECT ` + restaurantColumns + ` FROM restaurants`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "list restaurants")
	}
	defer rows.Close()

	result := make([]restaurant.Restaurant, 0)
	for rows.Next() {
		r, err := scanRestaurant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRestaurant(row rowScanner) (restaurant.Restaurant, error) {
	var (
		r       restaurant.Restaurant
		expires sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.AgentID, &r.Name, &r.Address, &r.Phone,
		&r.IsPremium, &expires, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return restaurant.Restaurant{}, mapErr(err, "scan restaurant")
	}
	r.PremiumExpiresAt = expires.Time
	return r, nil
}

// --- UserStore --------------------------------------------------------------

const userColumns = `id, username, email, password_hash, role, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, nullString(u.Email), u.PasswordHash, u.Role, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err, "create user")
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE lower(username) = lower($1)
	`, username)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE lower(email) = lower($1)
	`, email)
	return scanUser(row)
}

func scanUser(row rowScanner) (user.User, error) {
	var (
		u     user.User
		email sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &u.Role,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err, "scan user")
	}
	u.Email = email.String
	return u, nil
}

// --- TxRunner ---------------------------------------------------------------

// InTx runs fn inside a database transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin transaction")
	}

	if err := fn(ctx, &pgTx{tx: dbTx}); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return apperr.Transient(err, "commit transaction")
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

var _ storage.Tx = (*pgTx)(nil)

func (t *pgTx) RequestForUpdate(ctx context.Context, id string) (tokenrequest.Request, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM token_requests
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanRequest(row)
}

func (t *pgTx) UpdateRequest(ctx context.Context, req tokenrequest.Request) (tokenrequest.Request, error) {
	req.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE token_requests
		SET status = $2, admin_notes = $3, resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE id = $1
	`, req.ID, req.Status, req.AdminNotes, req.ResolvedBy, toNullTime(req.ResolvedAt), req.UpdatedAt)
	if err != nil {
		return tokenrequest.Request{}, mapErr(err, "update request")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return tokenrequest.Request{}, apperr.NotFound("request %s not found", req.ID)
	}
	return req, nil
}

func (t *pgTx) AgentForUpdate(ctx context.Context, id string) (agent.Agent, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAgent(row)
}

func (t *pgTx) UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	a.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE agents
		SET status = $2, agent_code = $3, review_notes = $4, rejection_reason = $5,
			token_balance = $6, active = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.Status, nullString(a.AgentCode), a.ReviewNotes, a.RejectionReason,
		a.TokenBalance, a.Active, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, mapErr(err, "update agent")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return agent.Agent{}, apperr.NotFound("agent %s not found", a.ID)
	}
	return a, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_transactions (id, agent_id, amount, reason, note, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, tx.AgentID, tx.Amount, tx.Reason, tx.Note, tx.BalanceAfter, tx.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, mapErr(err, "append transaction")
	}
	return tx, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, nullString(u.Email), u.PasswordHash, u.Role, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err, "create user")
	}
	return u, nil
}

func (t *pgTx) CreateRestaurant(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO restaurants (id, owner_id, agent_id, name, address, phone,
			is_premium, premium_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.OwnerID, r.AgentID, r.Name, r.Address, r.Phone, r.IsPremium,
		toNullTime(r.PremiumExpiresAt), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return restaurant.Restaurant{}, mapErr(err, "create restaurant")
	}
	return r, nil
}

// --- helpers ----------------------------------------------------------------

// mapErr translates driver errors into the application error taxonomy so
// callers never see database/sql or pq types.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s: no matching row", op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return apperr.Conflict("%s: %s", op, pqErr.Detail)
	}
	return apperr.Transient(err, op)
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
