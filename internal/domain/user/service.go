package user

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
)

var (
	ErrInvalidUsername = errors.New("username must be 1-39 letters, digits or hyphens")
	ErrInvalidEmail    = errors.New("email is invalid")
	ErrInvalidName     = errors.New("name is required")
	ErrWrongPassword   = errors.New("password does not match")
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,37}[a-z0-9])?$`)
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9](?:[a-zA-Z0-9\-]*[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9\-]*[a-zA-Z0-9])?)*\.[a-zA-Z]{2,}$`)
)

func isValidEmail(email string) bool {
	return len(email) <= 254 && emailRegex.MatchString(email)
}

// RegisterUser is the command creating a user.
type RegisterUser struct {
	Username string
	Email    string
	Name     string
	Password string
	Role     string
}

// UpdateProfile changes the fields that are not nil.
type UpdateProfile struct {
	UserID string
	Name   *string
	Email  *string
	Bio    *string
}

type ChangePassword struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
}

// Service handles user domain operations
type Service struct {
	users  *aggregate.Store[*User]
	hasher *auth.Hasher
	log    *logger.Logger
	now    func() time.Time
}

// NewService creates a new user service
func NewService(events store.EventStoreInterface, snapshots aggregate.Snapshots, hasher *auth.Hasher, log *logger.Logger) *Service {
	return &Service{
		users:  aggregate.NewStore(events, snapshots, New, log),
		hasher: hasher,
		log:    log.With("service", "UserService"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a new user
func (s *Service) Register(ctx context.Context, cmd RegisterUser) (*User, error) {
	username := strings.ToLower(strings.TrimSpace(cmd.Username))
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	name := strings.TrimSpace(cmd.Name)

	if !usernameRegex.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := auth.ValidatePassword(cmd.Password); err != nil {
		return nil, err
	}
	role := cmd.Role
	if role == "" {
		role = auth.RoleMember
	}

	if err := s.ensureUnique(ctx, "", "username", username); err != nil {
		return nil, err
	}
	if err := s.ensureUnique(ctx, "", "email", email); err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.Hash(cmd.Password)
	if err != nil {
		return nil, err
	}

	u := s.users.New(uuid.New().String())
	if _, err := s.users.Commit(ctx, u, EventUserCreated, UserCreated{
		UserID:       u.ID,
		Username:     username,
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    s.now(),
	}); err != nil {
		return nil, err
	}

	s.log.Info("user registered", "user_id", u.ID, "username", username)
	return u, nil
}

// UpdateProfile updates user profile information
func (s *Service) UpdateProfile(ctx context.Context, actor auth.Actor, cmd UpdateProfile) (*User, error) {
	if err := authorize(actor, cmd.UserID); err != nil {
		return nil, err
	}
	u, err := s.loadLive(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}

	event := UserUpdated{
		UserID:    u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Bio:       u.Bio,
		UpdatedAt: s.now(),
	}
	if cmd.Name != nil {
		event.Name = strings.TrimSpace(*cmd.Name)
		if event.Name == "" {
			return nil, ErrInvalidName
		}
	}
	if cmd.Bio != nil {
		event.Bio = strings.TrimSpace(*cmd.Bio)
	}
	if cmd.Email != nil {
		event.Email = strings.ToLower(strings.TrimSpace(*cmd.Email))
		if !isValidEmail(event.Email) {
			return nil, ErrInvalidEmail
		}
		if event.Email != u.Email {
			if err := s.ensureUnique(ctx, u.ID, "email", event.Email); err != nil {
				return nil, err
			}
		}
	}

	if _, err := s.users.Commit(ctx, u, EventUserUpdated, event); err != nil {
		return nil, err
	}
	return u, nil
}

// ChangePassword changes user password
func (s *Service) ChangePassword(ctx context.Context, actor auth.Actor, cmd ChangePassword) error {
	if err := authorize(actor, cmd.UserID); err != nil {
		return err
	}
	u, err := s.loadLive(ctx, cmd.UserID)
	if err != nil {
		return err
	}
	// Admins may reset passwords without knowing the old one.
	if actor.ID == u.ID && !s.hasher.Check(cmd.CurrentPassword, u.PasswordHash) {
		return ErrWrongPassword
	}

	passwordHash, err := s.hasher.Hash(cmd.NewPassword)
	if err != nil {
		return err
	}

	_, err = s.users.Commit(ctx, u, EventUserPasswordChanged, UserPasswordChanged{
		UserID:       u.ID,
		PasswordHash: passwordHash,
		ChangedAt:    s.now(),
	})
	return err
}

// Delete deletes a user. Deleting an already deleted user is a no-op.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, userID string) error {
	if err := authorize(actor, userID); err != nil {
		return err
	}
	u, err := s.users.Load(ctx, userID)
	if err != nil {
		return err
	}
	if u.Deleted {
		return nil
	}

	if _, err := s.users.Commit(ctx, u, EventUserDeleted, UserDeleted{UserID: u.ID, DeletedAt: s.now()}); err != nil {
		return err
	}
	s.log.Info("user deleted", "user_id", u.ID, "actor_id", actor.ID)
	return nil
}

// Get returns the current state of a live user.
func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	u, err := s.users.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Deleted {
		return nil, aggregate.NotFound(AggregateType, userID)
	}
	return u, nil
}

// Exists reports whether userID names a live user.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := s.Get(ctx, userID)
	if errors.Is(err, aggregate.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindByUsername locates the live user registered under username.
func (s *Service) FindByUsername(ctx context.Context, username string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	created, err := s.users.Events().QueryByPayload(ctx, store.PayloadQuery{
		EventType: EventUserCreated,
		Field:     "username",
		Value:     username,
	})
	if err != nil {
		return nil, err
	}
	for i := len(created) - 1; i >= 0; i-- {
		u, err := s.users.Load(ctx, created[i].AggregateID)
		if err != nil {
			return nil, err
		}
		if !u.Deleted {
			return u, nil
		}
	}
	return nil, aggregate.NotFound(AggregateType, username)
}

// VerifyCredentials returns the user when password matches. Unknown users
// and wrong passwords both fail with ErrWrongPassword.
func (s *Service) VerifyCredentials(ctx context.Context, username, password string) (*User, error) {
	u, err := s.FindByUsername(ctx, username)
	if errors.Is(err, aggregate.ErrNotFound) {
		return nil, ErrWrongPassword
	}
	if err != nil {
		return nil, err
	}
	if !s.hasher.Check(password, u.PasswordHash) {
		return nil, ErrWrongPassword
	}
	return u, nil
}

// loadLive is Load plus the deleted check every mutation needs.
func (s *Service) loadLive(ctx context.Context, userID string) (*User, error) {
	u, err := s.users.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := aggregate.EnsureLive(u); err != nil {
		return nil, err
	}
	return u, nil
}

// ensureUnique scans the log for other live users holding value in field.
// Candidates come from the payload index and are confirmed by rehydrating
// them, since the value may have changed since.
func (s *Service) ensureUnique(ctx context.Context, selfID, field, value string) error {
	candidates := make(map[string]struct{})
	for _, eventType := range []string{EventUserCreated, EventUserUpdated} {
		if field == "username" && eventType == EventUserUpdated {
			continue // usernames never change
		}
		events, err := s.users.Events().QueryByPayload(ctx, store.PayloadQuery{EventType: eventType, Field: field, Value: value})
		if err != nil {
			return err
		}
		for _, e := range events {
			if e.AggregateID != selfID {
				candidates[e.AggregateID] = struct{}{}
			}
		}
	}

	for id := range candidates {
		u, err := s.users.Load(ctx, id)
		if errors.Is(err, aggregate.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if u.Deleted {
			continue
		}
		current := u.Email
		if field == "username" {
			current = u.Username
		}
		if current == value {
			return fmt.Errorf("user with %s %q: %w", field, value, aggregate.ErrAlreadyExists)
		}
	}
	return nil
}

func authorize(actor auth.Actor, userID string) error {
	if actor.ID == userID || actor.IsAdmin() {
		return nil
	}
	return fmt.Errorf("actor %s may not modify user %s: %w", actor.ID, userID, aggregate.ErrUnauthorized)
}
