package user

import (
	"time"

	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/infrastructure/store"
)

const (
	AggregateType = "User"

	// SnapshotEvery is the number of events between two user snapshots.
	SnapshotEvery = 50
)

// User represents a user aggregate
type User struct {
	aggregate.Base
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Bio          string    `json:"bio"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func New() *User { return &User{} }

func (u *User) AggregateType() string { return AggregateType }

func (u *User) SnapshotEvery() int { return SnapshotEvery }

// ApplyEvent applies an event to the user
func (u *User) ApplyEvent(e store.Event) error {
	payload, err := Decode(e)
	if err != nil {
		return err
	}
	if _, isDelete := payload.(UserDeleted); u.Deleted && !isDelete {
		return &aggregate.DeletedError{AggregateType: AggregateType, ID: u.ID}
	}

	switch p := payload.(type) {
	case UserCreated:
		u.ID = p.UserID
		u.Username = p.Username
		u.Email = p.Email
		u.Name = p.Name
		u.PasswordHash = p.PasswordHash
		u.Role = p.Role
		u.CreatedAt = p.CreatedAt
		u.UpdatedAt = p.CreatedAt
	case UserUpdated:
		u.Name = p.Name
		u.Email = p.Email
		u.Bio = p.Bio
		u.UpdatedAt = p.UpdatedAt
	case UserPasswordChanged:
		u.PasswordHash = p.PasswordHash
		u.UpdatedAt = p.ChangedAt
	case UserDeleted:
		u.Deleted = true
		u.UpdatedAt = p.DeletedAt
	}
	return nil
}
