package command

import (
	"context"
	"fmt"
	"time"

	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
	"github.com/example/codehost/internal/platform/logger"
)

// TokenIssuer mints access tokens for authenticated users.
type TokenIssuer interface {
	Issue(actor auth.Actor) (string, time.Time, error)
}

// Handler authenticates callers and dispatches commands to the domain
// services. The read side is updated asynchronously by the projector.
type Handler struct {
	userSvc *user.Service
	repoSvc *repository.Service
	authn   auth.Authenticator
	tokens  TokenIssuer
	log     *logger.Logger
}

func NewHandler(
	userSvc *user.Service,
	repoSvc *repository.Service,
	authn auth.Authenticator,
	tokens TokenIssuer,
	log *logger.Logger,
) *Handler {
	return &Handler{
		userSvc: userSvc,
		repoSvc: repoSvc,
		authn:   authn,
		tokens:  tokens,
		log:     log.With("component", "CommandHandler"),
	}
}

func (h *Handler) actor(ctx context.Context, token string) (auth.Actor, error) {
	actor, err := h.authn.Authenticate(ctx, token)
	if err != nil {
		return auth.Actor{}, fmt.Errorf("%w: %v", aggregate.ErrUnauthorized, err)
	}
	return actor, nil
}

// RegisterUser needs no token. New accounts are always members.
func (h *Handler) RegisterUser(ctx context.Context, cmd RegisterUser) (*user.User, error) {
	return h.userSvc.Register(ctx, user.RegisterUser{
		Username: cmd.Username,
		Email:    cmd.Email,
		Name:     cmd.Name,
		Password: cmd.Password,
		Role:     auth.RoleMember,
	})
}

// Login checks the credentials and issues an access token.
func (h *Handler) Login(ctx context.Context, cmd Login) (*Token, error) {
	u, err := h.userSvc.VerifyCredentials(ctx, cmd.Username, cmd.Password)
	if err != nil {
		h.log.Info("login rejected", "username", cmd.Username)
		return nil, err
	}
	access, expires, err := h.tokens.Issue(auth.Actor{ID: u.ID, Role: u.Role})
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: access, ExpiresAt: expires.Unix(), UserID: u.ID}, nil
}

func (h *Handler) UpdateProfile(ctx context.Context, token string, cmd UpdateProfile) (*user.User, error) {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return nil, err
	}
	return h.userSvc.UpdateProfile(ctx, actor, user.UpdateProfile{
		UserID: cmd.UserID,
		Name:   cmd.Name,
		Email:  cmd.Email,
		Bio:    cmd.Bio,
	})
}

func (h *Handler) ChangePassword(ctx context.Context, token string, cmd ChangePassword) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.userSvc.ChangePassword(ctx, actor, user.ChangePassword{
		UserID:          cmd.UserID,
		CurrentPassword: cmd.CurrentPassword,
		NewPassword:     cmd.NewPassword,
	})
}

func (h *Handler) DeleteUser(ctx context.Context, token string, cmd DeleteUser) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.userSvc.Delete(ctx, actor, cmd.UserID)
}

func (h *Handler) CreateRepository(ctx context.Context, token string, cmd CreateRepository) (*repository.Repository, error) {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return nil, err
	}
	return h.repoSvc.Create(ctx, actor, repository.CreateRepository{
		Name:        cmd.Name,
		Description: cmd.Description,
		Visibility:  repository.Visibility(cmd.Visibility),
	})
}

func (h *Handler) UpdateRepository(ctx context.Context, token string, cmd UpdateRepository) (*repository.Repository, error) {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return nil, err
	}
	update := repository.UpdateRepository{
		RepositoryID: cmd.RepositoryID,
		Name:         cmd.Name,
		Description:  cmd.Description,
	}
	if cmd.Visibility != nil {
		v := repository.Visibility(*cmd.Visibility)
		update.Visibility = &v
	}
	return h.repoSvc.Update(ctx, actor, update)
}

func (h *Handler) StarRepository(ctx context.Context, token string, cmd StarRepository) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.repoSvc.Star(ctx, actor, cmd.RepositoryID)
}

func (h *Handler) UnstarRepository(ctx context.Context, token string, cmd UnstarRepository) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.repoSvc.Unstar(ctx, actor, cmd.RepositoryID)
}

func (h *Handler) AddContributor(ctx context.Context, token string, cmd AddContributor) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.repoSvc.AddContributor(ctx, actor, cmd.RepositoryID, cmd.UserID)
}

func (h *Handler) RemoveContributor(ctx context.Context, token string, cmd RemoveContributor) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.repoSvc.RemoveContributor(ctx, actor, cmd.RepositoryID, cmd.UserID)
}

func (h *Handler) DeleteRepository(ctx context.Context, token string, cmd DeleteRepository) error {
	actor, err := h.actor(ctx, token)
	if err != nil {
		return err
	}
	return h.repoSvc.Delete(ctx, actor, cmd.RepositoryID)
}
