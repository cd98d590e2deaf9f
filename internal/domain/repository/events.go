package repository

import (
	"time"

	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/infrastructure/store"
)

const (
	EventRepositoryCreated   = "RepositoryCreated"
	EventRepositoryUpdated   = "RepositoryUpdated"
	EventRepositoryStarred   = "RepositoryStarred"
	EventRepositoryUnstarred = "RepositoryUnstarred"
	EventContributorAdded    = "ContributorAdded"
	EventContributorRemoved  = "ContributorRemoved"
	EventRepositoryDeleted   = "RepositoryDeleted"
)

// Event is the closed set of repository payloads.
type Event interface {
	repositoryEvent()
}

type RepositoryCreated struct {
	RepositoryID string     `json:"repository_id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Visibility   Visibility `json:"visibility"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RepositoryUpdated carries the full set of mutable fields.
type RepositoryUpdated struct {
	RepositoryID string     `json:"repository_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Visibility   Visibility `json:"visibility"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type RepositoryStarred struct {
	RepositoryID string    `json:"repository_id"`
	UserID       string    `json:"user_id"`
	StarredAt    time.Time `json:"starred_at"`
}

type RepositoryUnstarred struct {
	RepositoryID string    `json:"repository_id"`
	UserID       string    `json:"user_id"`
	UnstarredAt  time.Time `json:"unstarred_at"`
}

type ContributorAdded struct {
	RepositoryID string    `json:"repository_id"`
	UserID       string    `json:"user_id"`
	AddedAt      time.Time `json:"added_at"`
}

type ContributorRemoved struct {
	RepositoryID string    `json:"repository_id"`
	UserID       string    `json:"user_id"`
	RemovedAt    time.Time `json:"removed_at"`
}

type RepositoryDeleted struct {
	RepositoryID string    `json:"repository_id"`
	DeletedAt    time.Time `json:"deleted_at"`
}

func (RepositoryCreated) repositoryEvent()   {}
func (RepositoryUpdated) repositoryEvent()   {}
func (RepositoryStarred) repositoryEvent()   {}
func (RepositoryUnstarred) repositoryEvent() {}
func (ContributorAdded) repositoryEvent()    {}
func (ContributorRemoved) repositoryEvent()  {}
func (RepositoryDeleted) repositoryEvent()   {}

// Decode turns a record into its payload.
func Decode(e store.Event) (Event, error) {
	switch e.EventType {
	case EventRepositoryCreated:
		return decodeAs[RepositoryCreated](e)
	case EventRepositoryUpdated:
		return decodeAs[RepositoryUpdated](e)
	case EventRepositoryStarred:
		return decodeAs[RepositoryStarred](e)
	case EventRepositoryUnstarred:
		return decodeAs[RepositoryUnstarred](e)
	case EventContributorAdded:
		return decodeAs[ContributorAdded](e)
	case EventContributorRemoved:
		return decodeAs[ContributorRemoved](e)
	case EventRepositoryDeleted:
		return decodeAs[RepositoryDeleted](e)
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
