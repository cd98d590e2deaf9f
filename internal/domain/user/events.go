package user

import (
	"time"

	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/infrastructure/store"
)

const (
	EventUserCreated         = "UserCreated"
	EventUserUpdated         = "UserUpdated"
	EventUserPasswordChanged = "UserPasswordChanged"
	EventUserDeleted         = "UserDeleted"
)

// Event is the closed set of user payloads.
type Event interface {
	userEvent()
}

// UserCreated is emitted when a new user is registered
type UserCreated struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserUpdated carries the complete profile after the change.
type UserUpdated struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Bio       string    `json:"bio"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserPasswordChanged is emitted when user changes password
type UserPasswordChanged struct {
	UserID       string    `json:"user_id"`
	PasswordHash string    `json:"password_hash"`
	ChangedAt    time.Time `json:"changed_at"`
}

type UserDeleted struct {
	UserID    string    `json:"user_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (UserCreated) userEvent()         {}
func (UserUpdated) userEvent()         {}
func (UserPasswordChanged) userEvent() {}
func (UserDeleted) userEvent()         {}

// Decode turns a record into its payload.
func Decode(e store.Event) (Event, error) {
	switch e.EventType {
	case EventUserCreated:
		return decodeAs[UserCreated](e)
	case EventUserUpdated:
		return decodeAs[UserUpdated](e)
	case EventUserPasswordChanged:
		return decodeAs[UserPasswordChanged](e)
	case EventUserDeleted:
		return decodeAs[UserDeleted](e)
	default:
		return nil, aggregate.UnknownEventType(e)
	}
}

func decodeAs[P Event](e store.Event) (Event, error) {
	p, err := aggregate.Decode[P](e)
	if err != nil {
		return nil, err
	}
	return p, nil
}
