package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
	"github.com/example/codehost/internal/infrastructure/store/mocks"
	"github.com/example/codehost/internal/platform/logger"
)

func newTestHandler() (*Handler, *mocks.MockEventStore) {
	eventStore := mocks.NewMockEventStore()
	jwtAuth := auth.NewJWTAuthenticator("test-secret", time.Hour, "codehost-test")

	userSvc := user.NewService(eventStore, nil, auth.NewHasher(bcrypt.MinCost), logger.Nop())
	repoSvc := repository.NewService(eventStore, nil, userSvc, logger.Nop())

	return NewHandler(userSvc, repoSvc, jwtAuth, jwtAuth, logger.Nop()), eventStore
}

func registerAndLogin(t *testing.T, h *Handler, username string) (*user.User, string) {
	t.Helper()
	ctx := context.Background()
	u, err := h.RegisterUser(ctx, RegisterUser{
		Username: username,
		Email:    username + "@example.com",
		Name:     username,
		Password: "password123",
	})
	require.NoError(t, err)

	tok, err := h.Login(ctx, Login{Username: username, Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, u.ID, tok.UserID)
	return u, tok.AccessToken
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	h, eventStore := newTestHandler()

	u, token := registerAndLogin(t, h, "alice")

	assert.NotEmpty(t, token)
	assert.Equal(t, auth.RoleMember, u.Role)
	require.Len(t, eventStore.AppendCalls, 1)
	assert.Equal(t, user.EventUserCreated, eventStore.AppendCalls[0].EventType)

	_, err := h.Login(context.Background(), Login{Username: "alice", Password: "nope-nope"})
	assert.ErrorIs(t, err, user.ErrWrongPassword)
}

func TestHandler_RejectsBadToken(t *testing.T) {
	h, eventStore := newTestHandler()

	_, err := h.CreateRepository(context.Background(), "not-a-token", CreateRepository{Name: "x"})

	assert.ErrorIs(t, err, aggregate.ErrUnauthorized)
	assert.Empty(t, eventStore.AppendCalls)
}

func TestHandler_RepositoryFlow(t *testing.T) {
	h, eventStore := newTestHandler()
	ctx := context.Background()
	_, ownerToken := registerAndLogin(t, h, "owner")
	bob, bobToken := registerAndLogin(t, h, "bob")

	repo, err := h.CreateRepository(ctx, ownerToken, CreateRepository{Name: "codehost", Visibility: "public"})
	require.NoError(t, err)

	require.NoError(t, h.StarRepository(ctx, bobToken, StarRepository{RepositoryID: repo.ID}))
	require.NoError(t, h.AddContributor(ctx, ownerToken, AddContributor{RepositoryID: repo.ID, UserID: bob.ID}))

	private := "private"
	updated, err := h.UpdateRepository(ctx, bobToken, UpdateRepository{RepositoryID: repo.ID, Visibility: &private})
	require.NoError(t, err)
	assert.Equal(t, repository.Private, updated.Visibility)

	err = h.DeleteRepository(ctx, bobToken, DeleteRepository{RepositoryID: repo.ID})
	assert.ErrorIs(t, err, aggregate.ErrUnauthorized)

	require.NoError(t, h.RemoveContributor(ctx, ownerToken, RemoveContributor{RepositoryID: repo.ID, UserID: bob.ID}))
	require.NoError(t, h.UnstarRepository(ctx, bobToken, UnstarRepository{RepositoryID: repo.ID}))
	require.NoError(t, h.DeleteRepository(ctx, ownerToken, DeleteRepository{RepositoryID: repo.ID}))

	events := eventStore.GetEvents(repo.ID)
	require.Len(t, events, 7)
	assert.Equal(t, repository.EventRepositoryDeleted, events[6].EventType)
}

func TestHandler_UserMutations(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()
	alice, aliceToken := registerAndLogin(t, h, "alice")
	_, bobToken := registerAndLogin(t, h, "bob")

	name := "Alice Liddell"
	u, err := h.UpdateProfile(ctx, aliceToken, UpdateProfile{UserID: alice.ID, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, u.Name)

	_, err = h.UpdateProfile(ctx, bobToken, UpdateProfile{UserID: alice.ID, Name: &name})
	assert.ErrorIs(t, err, aggregate.ErrUnauthorized)

	require.NoError(t, h.ChangePassword(ctx, aliceToken, ChangePassword{UserID: alice.ID, CurrentPassword: "password123", NewPassword: "password456"}))
	_, err = h.Login(ctx, Login{Username: "alice", Password: "password456"})
	require.NoError(t, err)

	require.NoError(t, h.DeleteUser(ctx, aliceToken, DeleteUser{UserID: alice.ID}))
	_, err = h.Login(ctx, Login{Username: "alice", Password: "password456"})
	assert.ErrorIs(t, err, user.ErrWrongPassword)
}
