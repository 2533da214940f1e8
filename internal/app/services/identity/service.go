// Package identity manages login accounts and password verification.
package identity

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/menudeck/menudeck/internal/app/domain/user"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,64}$`)
var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Service manages user accounts.
type Service struct {
	store storage.UserStore
	log   *logger.Logger
}

// New constructs an identity service.
func New(store storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Service{store: store, log: log}
}

// Credentials is the registration input. Email is optional.
type Credentials struct {
	Username string
	Email    string
	Password string
}

// Validate normalizes and checks the credentials without touching storage.
func (c *Credentials) Validate() error {
	c.Username = strings.TrimSpace(c.Username)
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))

	if !usernameRe.MatchString(c.Username) {
		return apperr.Validation("username must be 3-64 characters of letters, digits, dot, dash or underscore")
	}
	if c.Email != "" && !emailRe.MatchString(c.Email) {
		return apperr.Validation("email %q is not valid", c.Email)
	}
	if len(c.Password) < 8 {
		return apperr.Validation("password must be at least 8 characters")
	}
	return nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Transient(err, "hash password")
	}
	return string(hash), nil
}

// Register creates an account with the given role.
func (s *Service) Register(ctx context.Context, creds Credentials, role user.Role) (user.User, error) {
	if err := creds.Validate(); err != nil {
		return user.User{}, err
	}
	switch role {
	case user.RoleOwner, user.RoleAgent, user.RoleAdmin:
	default:
		return user.User{}, apperr.Validation("unknown role %q", role)
	}

	if _, err := s.store.GetUserByUsername(ctx, creds.Username); err == nil {
		return user.User{}, apperr.Conflict("username %q already taken", creds.Username)
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return user.User{}, err
	}
	if creds.Email != "" {
		if _, err := s.store.GetUserByEmail(ctx, creds.Email); err == nil {
			return user.User{}, apperr.Conflict("email %q already registered", creds.Email)
		} else if apperr.KindOf(err) != apperr.KindNotFound {
			return user.User{}, err
		}
	}

	hash, err := HashPassword(creds.Password)
	if err != nil {
		return user.User{}, err
	}

	created, err := s.store.CreateUser(ctx, user.User{
		Username:     creds.Username,
		Email:        creds.Email,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		return user.User{}, err
	}
	s.log.WithField("user_id", created.ID).
		WithField("role", role).
		Info("user registered")
	return created, nil
}

// Authenticate verifies a username/password pair. Failures deliberately do
// not distinguish unknown usernames from wrong passwords.
func (s *Service) Authenticate(ctx context.Context, username, password string) (user.User, error) {
	u, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return user.User{}, apperr.Validation("invalid credentials")
		}
		return user.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return user.User{}, apperr.Validation("invalid credentials")
	}
	return u, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	return s.store.GetUser(ctx, id)
}
