package repository

import (
	"time"

	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/infrastructure/store"
)

const (
	AggregateType = "Repository"

	// SnapshotEvery is the number of events between two repository snapshots.
	SnapshotEvery = 5
)

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

func (v Visibility) Valid() bool { return v == Public || v == Private }

// Repository represents a hosted source repository
type Repository struct {
	aggregate.Base
	OwnerID      string              `json:"owner_id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Visibility   Visibility          `json:"visibility"`
	Stars        map[string]struct{} `json:"stars"`
	Contributors map[string]struct{} `json:"contributors"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func New() *Repository {
	return &Repository{
		Stars:        make(map[string]struct{}),
		Contributors: make(map[string]struct{}),
	}
}

func (r *Repository) AggregateType() string { return AggregateType }

func (r *Repository) SnapshotEvery() int { return SnapshotEvery }

func (r *Repository) StarCount() int { return len(r.Stars) }

func (r *Repository) StarredBy(userID string) bool {
	_, ok := r.Stars[userID]
	return ok
}

func (r *Repository) IsContributor(userID string) bool {
	_, ok := r.Contributors[userID]
	return ok
}

// CanWrite reports whether userID may change the repository's metadata.
func (r *Repository) CanWrite(userID string) bool {
	return userID == r.OwnerID || r.IsContributor(userID)
}

// ApplyEvent applies an event to the repository
func (r *Repository) ApplyEvent(e store.Event) error {
	payload, err := Decode(e)
	if err != nil {
		return err
	}
	if _, isDelete := payload.(RepositoryDeleted); r.Deleted && !isDelete {
		return &aggregate.DeletedError{AggregateType: AggregateType, ID: r.ID}
	}
	// Snapshots of empty sets decode to nil maps.
	if r.Stars == nil {
		r.Stars = make(map[string]struct{})
	}
	if r.Contributors == nil {
		r.Contributors = make(map[string]struct{})
	}

	switch p := payload.(type) {
	case RepositoryCreated:
		r.ID = p.RepositoryID
		r.OwnerID = p.OwnerID
		r.Name = p.Name
		r.Description = p.Description
		r.Visibility = p.Visibility
		r.CreatedAt = p.CreatedAt
		r.UpdatedAt = p.CreatedAt
	case RepositoryUpdated:
		r.Name = p.Name
		r.Description = p.Description
		r.Visibility = p.Visibility
		r.UpdatedAt = p.UpdatedAt
	case RepositoryStarred:
		r.Stars[p.UserID] = struct{}{}
	case RepositoryUnstarred:
		delete(r.Stars, p.UserID)
	case ContributorAdded:
		r.Contributors[p.UserID] = struct{}{}
		r.UpdatedAt = p.AddedAt
	case ContributorRemoved:
		delete(r.Contributors, p.UserID)
		r.UpdatedAt = p.RemovedAt
	case RepositoryDeleted:
		r.Deleted = true
		r.UpdatedAt = p.DeletedAt
	}
	return nil
}
