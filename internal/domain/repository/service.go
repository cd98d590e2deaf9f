package repository

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
	ErrInvalidName       = errors.New("repository name must be 1-100 letters, digits, '.', '-' or '_'")
	ErrInvalidVisibility = errors.New("visibility must be public or private")
	ErrOwnerContributor  = errors.New("the owner cannot be a contributor")
)

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

func validName(name string) bool {
	return nameRegex.MatchString(name) && name != "." && name != ".."
}

// Users is the part of the user service repositories depend on.
type Users interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

type CreateRepository struct {
	Name        string
	Description string
	Visibility  Visibility
}

// UpdateRepository changes the fields that are not nil.
type UpdateRepository struct {
	RepositoryID string
	Name         *string
	Description  *string
	Visibility   *Visibility
}

// Service handles repository domain operations
type Service struct {
	repos *aggregate.Store[*Repository]
	users Users
	log   *logger.Logger
	now   func() time.Time
}

func NewService(events store.EventStoreInterface, snapshots aggregate.Snapshots, users Users, log *logger.Logger) *Service {
	return &Service{
		repos: aggregate.NewStore(events, snapshots, New, log),
		users: users,
		log:   log.With("service", "RepositoryService"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create creates a repository owned by the actor.
func (s *Service) Create(ctx context.Context, actor auth.Actor, cmd CreateRepository) (*Repository, error) {
	name := strings.TrimSpace(cmd.Name)
	if !validName(name) {
		return nil, ErrInvalidName
	}
	visibility := cmd.Visibility
	if visibility == "" {
		visibility = Public
	}
	if !visibility.Valid() {
		return nil, ErrInvalidVisibility
	}
	if err := s.ensureUser(ctx, actor.ID); err != nil {
		return nil, err
	}
	if err := s.ensureNameFree(ctx, actor.ID, "", name); err != nil {
		return nil, err
	}

	repo := s.repos.New(uuid.New().String())
	if _, err := s.repos.Commit(ctx, repo, EventRepositoryCreated, RepositoryCreated{
		RepositoryID: repo.ID,
		OwnerID:      actor.ID,
		Name:         name,
		Description:  strings.TrimSpace(cmd.Description),
		Visibility:   visibility,
		CreatedAt:    s.now(),
	}); err != nil {
		return nil, err
	}

	s.log.Info("repository created", "repository_id", repo.ID, "owner_id", actor.ID, "name", name)
	return repo, nil
}

// Update changes name, description or visibility. Owner and contributors only.
func (s *Service) Update(ctx context.Context, actor auth.Actor, cmd UpdateRepository) (*Repository, error) {
	repo, err := s.loadLive(ctx, cmd.RepositoryID)
	if err != nil {
		return nil, err
	}
	if !repo.CanWrite(actor.ID) && !actor.IsAdmin() {
		return nil, unauthorized(actor, repo)
	}

	event := RepositoryUpdated{
		RepositoryID: repo.ID,
		Name:         repo.Name,
		Description:  repo.Description,
		Visibility:   repo.Visibility,
		UpdatedAt:    s.now(),
	}
	if cmd.Description != nil {
		event.Description = strings.TrimSpace(*cmd.Description)
	}
	if cmd.Visibility != nil {
		if !cmd.Visibility.Valid() {
			return nil, ErrInvalidVisibility
		}
		event.Visibility = *cmd.Visibility
	}
	if cmd.Name != nil {
		event.Name = strings.TrimSpace(*cmd.Name)
		if !validName(event.Name) {
			return nil, ErrInvalidName
		}
		if !strings.EqualFold(event.Name, repo.Name) {
			if err := s.ensureNameFree(ctx, repo.OwnerID, repo.ID, event.Name); err != nil {
				return nil, err
			}
		}
	}

	if _, err := s.repos.Commit(ctx, repo, EventRepositoryUpdated, event); err != nil {
		return nil, err
	}
	return repo, nil
}

// Star records that the actor starred the repository.
func (s *Service) Star(ctx context.Context, actor auth.Actor, repositoryID string) error {
	repo, err := s.loadVisible(ctx, actor, repositoryID)
	if err != nil {
		return err
	}
	if err := s.ensureUser(ctx, actor.ID); err != nil {
		return err
	}
	if repo.StarredBy(actor.ID) {
		return fmt.Errorf("star of %s by %s: %w", repo.ID, actor.ID, aggregate.ErrAlreadyExists)
	}

	_, err = s.repos.Commit(ctx, repo, EventRepositoryStarred, RepositoryStarred{
		RepositoryID: repo.ID,
		UserID:       actor.ID,
		StarredAt:    s.now(),
	})
	return err
}

func (s *Service) Unstar(ctx context.Context, actor auth.Actor, repositoryID string) error {
	repo, err := s.loadLive(ctx, repositoryID)
	if err != nil {
		return err
	}
	if !repo.StarredBy(actor.ID) {
		return fmt.Errorf("star of %s by %s: %w", repo.ID, actor.ID, aggregate.ErrNotFound)
	}

	_, err = s.repos.Commit(ctx, repo, EventRepositoryUnstarred, RepositoryUnstarred{
		RepositoryID: repo.ID,
		UserID:       actor.ID,
		UnstarredAt:  s.now(),
	})
	return err
}

// AddContributor grants userID write access. Owner only.
func (s *Service) AddContributor(ctx context.Context, actor auth.Actor, repositoryID, userID string) error {
	repo, err := s.loadOwned(ctx, actor, repositoryID)
	if err != nil {
		return err
	}
	if userID == repo.OwnerID {
		return ErrOwnerContributor
	}
	if repo.IsContributor(userID) {
		return fmt.Errorf("contributor %s of %s: %w", userID, repo.ID, aggregate.ErrAlreadyExists)
	}
	if err := s.ensureUser(ctx, userID); err != nil {
		return err
	}

	_, err = s.repos.Commit(ctx, repo, EventContributorAdded, ContributorAdded{
		RepositoryID: repo.ID,
		UserID:       userID,
		AddedAt:      s.now(),
	})
	return err
}

func (s *Service) RemoveContributor(ctx context.Context, actor auth.Actor, repositoryID, userID string) error {
	repo, err := s.loadOwned(ctx, actor, repositoryID)
	if err != nil {
		return err
	}
	if !repo.IsContributor(userID) {
		return fmt.Errorf("contributor %s of %s: %w", userID, repo.ID, aggregate.ErrNotFound)
	}

	_, err = s.repos.Commit(ctx, repo, EventContributorRemoved, ContributorRemoved{
		RepositoryID: repo.ID,
		UserID:       userID,
		RemovedAt:    s.now(),
	})
	return err
}

// Delete deletes the repository. Owner only; repeating it is a no-op.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, repositoryID string) error {
	repo, err := s.repos.Load(ctx, repositoryID)
	if err != nil {
		return err
	}
	if repo.OwnerID != actor.ID && !actor.IsAdmin() {
		return unauthorized(actor, repo)
	}
	if repo.Deleted {
		return nil
	}

	if _, err := s.repos.Commit(ctx, repo, EventRepositoryDeleted, RepositoryDeleted{
		RepositoryID: repo.ID,
		DeletedAt:    s.now(),
	}); err != nil {
		return err
	}
	s.log.Info("repository deleted", "repository_id", repo.ID, "actor_id", actor.ID)
	return nil
}

// Get returns a live repository. Private repositories are reported as
// missing to actors that cannot write them.
func (s *Service) Get(ctx context.Context, actor auth.Actor, repositoryID string) (*Repository, error) {
	return s.loadVisible(ctx, actor, repositoryID)
}

func (s *Service) loadLive(ctx context.Context, repositoryID string) (*Repository, error) {
	repo, err := s.repos.Load(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if err := aggregate.EnsureLive(repo); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *Service) loadVisible(ctx context.Context, actor auth.Actor, repositoryID string) (*Repository, error) {
	repo, err := s.repos.Load(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.Deleted {
		return nil, aggregate.NotFound(AggregateType, repositoryID)
	}
	if repo.Visibility == Private && !repo.CanWrite(actor.ID) && !actor.IsAdmin() {
		return nil, aggregate.NotFound(AggregateType, repositoryID)
	}
	return repo, nil
}

func (s *Service) loadOwned(ctx context.Context, actor auth.Actor, repositoryID string) (*Repository, error) {
	repo, err := s.loadLive(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.OwnerID != actor.ID && !actor.IsAdmin() {
		return nil, unauthorized(actor, repo)
	}
	return repo, nil
}

func (s *Service) ensureUser(ctx context.Context, userID string) error {
	ok, err := s.users.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return aggregate.NotFound("User", userID)
	}
	return nil
}

// ensureNameFree fails when another live repository of ownerID is called
// name. Names compare case-insensitively.
func (s *Service) ensureNameFree(ctx context.Context, ownerID, selfID, name string) error {
	created, err := s.repos.Events().QueryByPayload(ctx, store.PayloadQuery{
		EventType: EventRepositoryCreated,
		Field:     "owner_id",
		Value:     ownerID,
	})
	if err != nil {
		return err
	}

	for _, e := range created {
		if e.AggregateID == selfID {
			continue
		}
		repo, err := s.repos.Load(ctx, e.AggregateID)
		if errors.Is(err, aggregate.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !repo.Deleted && strings.EqualFold(repo.Name, name) {
			return fmt.Errorf("repository %s/%s: %w", ownerID, name, aggregate.ErrAlreadyExists)
		}
	}
	return nil
}

func unauthorized(actor auth.Actor, repo *Repository) error {
	return fmt.Errorf("actor %s on repository %s: %w", actor.ID, repo.ID, aggregate.ErrUnauthorized)
}
