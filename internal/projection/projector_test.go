package projection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
	"github.com/example/codehost/internal/infrastructure/emitter"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/infrastructure/store/mocks"
	"github.com/example/codehost/internal/platform/logger"
	"github.com/example/codehost/internal/readmodel"
)

type world struct {
	events *store.MemoryEventStore
	live   *Projector
	mirror *mocks.MockReadStore
	users  *user.Service
	repos  *repository.Service
}

// newWorld wires services to a memory log whose committed events reach
// the live projector through an emitter.
func newWorld(t *testing.T) world {
	t.Helper()
	mirror := mocks.NewMockReadStore()
	live := NewProjector(mirror, logger.Nop())
	em := emitter.New(logger.Nop())
	em.OnAny(live.OnEvent)

	events := store.NewMemoryEventStore(logger.Nop(), em)
	users := user.NewService(events, nil, auth.NewHasher(bcrypt.MinCost), logger.Nop())
	return world{
		events: events,
		live:   live,
		mirror: mirror,
		users:  users,
		repos:  repository.NewService(events, nil, users, logger.Nop()),
	}
}

// populate runs a small history touching every projected event type.
func (w world) populate(t *testing.T) (alice, bob *user.User, repo *repository.Repository) {
	t.Helper()
	ctx := context.Background()

	var err error
	alice, err = w.users.Register(ctx, user.RegisterUser{Username: "alice", Email: "alice@example.com", Name: "Alice", Password: "password-a"})
	require.NoError(t, err)
	bob, err = w.users.Register(ctx, user.RegisterUser{Username: "bob", Email: "bob@example.com", Name: "Bob", Password: "password-b"})
	require.NoError(t, err)
	asAlice, asBob := auth.Actor{ID: alice.ID}, auth.Actor{ID: bob.ID}

	bio := "hacker"
	_, err = w.users.UpdateProfile(ctx, asAlice, user.UpdateProfile{UserID: alice.ID, Bio: &bio})
	require.NoError(t, err)

	repo, err = w.repos.Create(ctx, asAlice, repository.CreateRepository{Name: "codehost", Description: "git hosting"})
	require.NoError(t, err)
	doomed, err := w.repos.Create(ctx, asAlice, repository.CreateRepository{Name: "scratch"})
	require.NoError(t, err)

	require.NoError(t, w.repos.Star(ctx, asBob, repo.ID))
	require.NoError(t, w.repos.Star(ctx, asBob, doomed.ID))
	require.NoError(t, w.repos.Star(ctx, asAlice, repo.ID))
	require.NoError(t, w.repos.Unstar(ctx, asAlice, repo.ID))
	require.NoError(t, w.repos.AddContributor(ctx, asAlice, repo.ID, bob.ID))
	require.NoError(t, w.repos.Delete(ctx, asAlice, doomed.ID))
	return alice, bob, repo
}

func TestProjector_LiveDelivery(t *testing.T) {
	w := newWorld(t)
	alice, bob, repo := w.populate(t)
	view := w.live.View()

	u, ok := view.UserByUsername("alice")
	require.True(t, ok)
	assert.Equal(t, alice.ID, u.ID)
	assert.Equal(t, "hacker", u.Bio)

	r, ok := view.Repository(repo.ID)
	require.True(t, ok)
	assert.Equal(t, 1, r.Stars)
	assert.Equal(t, []string{bob.ID}, r.Contributors)
	assert.Equal(t, 1, view.RepositoryCount())

	starred := view.StarredRepositories(bob.ID)
	require.Len(t, starred, 1, "stars of deleted repositories are dropped")
	assert.Equal(t, repo.ID, starred[0].ID)
	assert.Equal(t, 5, view.Version(repo.ID))

	var mirrored readmodel.Repository
	require.NoError(t, w.mirror.Get(context.Background(), readmodel.CollectionRepositories, repo.ID, &mirrored))
	assert.Equal(t, r, mirrored)
	assert.Len(t, w.mirror.DeleteCalls, 1)
}

func TestProjector_RebuildMatchesLive(t *testing.T) {
	w := newWorld(t)
	w.populate(t)

	rebuilt := NewProjector(nil, logger.Nop())
	require.NoError(t, rebuilt.Rebuild(context.Background(), w.events))

	assert.Equal(t, w.live.View(), rebuilt.View())
}

func TestProjector_DuplicateDeliveryIsIgnored(t *testing.T) {
	w := newWorld(t)
	w.populate(t)
	before := w.live.View()
	setCalls := len(w.mirror.SetCalls)

	all, err := w.events.LoadAll(context.Background())
	require.NoError(t, err)
	for _, e := range all {
		require.NoError(t, w.live.OnEvent(context.Background(), e))
	}

	assert.Same(t, before, w.live.View())
	assert.Len(t, w.mirror.SetCalls, setCalls)
}

func TestProjector_OutOfOrderDeliveryIsHeld(t *testing.T) {
	w := newWorld(t)
	w.populate(t)
	ctx := context.Background()

	all, err := w.events.LoadAll(ctx)
	require.NoError(t, err)

	p := NewProjector(nil, logger.Nop())
	for i := len(all) - 1; i >= 0; i-- {
		require.NoError(t, p.OnEvent(ctx, all[i]))
	}

	assert.Zero(t, p.Held())
	assert.Equal(t, w.live.View(), p.View())
}

func TestProjector_LaterVersionWaitsForEarlier(t *testing.T) {
	p := NewProjector(nil, logger.Nop())
	ctx := context.Background()

	created, err := store.NewEvent("u1", user.AggregateType, user.EventUserCreated, user.UserCreated{UserID: "u1", Username: "dave"})
	require.NoError(t, err)
	created.Version = 1
	updated, err := store.NewEvent("u1", user.AggregateType, user.EventUserUpdated, user.UserUpdated{Name: "Dave"})
	require.NoError(t, err)
	updated.Version = 2

	require.NoError(t, p.OnEvent(ctx, *updated))
	assert.Zero(t, p.View().Version("u1"))
	assert.Equal(t, 1, p.Held())

	require.NoError(t, p.OnEvent(ctx, *created))
	u, ok := p.View().User("u1")
	require.True(t, ok, "the entity survives v2 arriving first")
	assert.Equal(t, "Dave", u.Name)
	assert.Equal(t, 2, p.View().Version("u1"))
	assert.Zero(t, p.Held())
}

func TestProjector_RebuildTwiceIsStable(t *testing.T) {
	w := newWorld(t)
	w.populate(t)
	p := NewProjector(nil, logger.Nop())

	require.NoError(t, p.Rebuild(context.Background(), w.events))
	first := p.View()
	require.NoError(t, p.Rebuild(context.Background(), w.events))

	assert.Equal(t, first, p.View())
}

func TestProjector_HandleMessage(t *testing.T) {
	p := NewProjector(nil, logger.Nop())
	e, err := store.NewEvent("u1", user.AggregateType, user.EventUserCreated, user.UserCreated{UserID: "u1", Username: "carol"})
	require.NoError(t, err)
	e.Version = 1
	value, err := json.Marshal(e)
	require.NoError(t, err)

	require.NoError(t, p.HandleMessage(context.Background(), []byte("u1"), value))

	_, ok := p.View().UserByUsername("carol")
	assert.True(t, ok)
	assert.Error(t, p.HandleMessage(context.Background(), []byte("u1"), []byte("{")))
}

func TestProjector_UnknownAndMalformed(t *testing.T) {
	p := NewProjector(nil, logger.Nop())
	ctx := context.Background()

	unknown := store.Event{ID: "e1", AggregateID: "u1", AggregateType: user.AggregateType, EventType: "UserAvatarChanged", Data: []byte(`{}`), Version: 1}
	require.NoError(t, p.OnEvent(ctx, unknown))
	assert.Equal(t, 1, p.View().Version("u1"))
	assert.Zero(t, p.View().UserCount())

	malformed := store.Event{ID: "e2", AggregateID: "u2", AggregateType: user.AggregateType, EventType: user.EventUserCreated, Data: []byte(`{"user_id": 7}`), Version: 1}
	err := p.OnEvent(ctx, malformed)
	var replayErr *aggregate.ReplayError
	assert.ErrorAs(t, err, &replayErr)
	assert.Equal(t, 1, p.View().Version("u2"), "a bad event does not stall its stream")
	assert.Zero(t, p.Held())

	other := store.Event{ID: "e3", AggregateID: "x1", AggregateType: "Organization", EventType: "OrganizationCreated", Data: []byte(`{}`), Version: 1}
	assert.NoError(t, p.OnEvent(ctx, other))
}

func TestProjector_RebuildSourceError(t *testing.T) {
	events := mocks.NewMockEventStore()
	events.LoadErr = assert.AnError
	p := NewProjector(nil, logger.Nop())

	err := p.Rebuild(context.Background(), events)

	assert.ErrorIs(t, err, assert.AnError)
}
