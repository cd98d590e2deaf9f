package query

import (
	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/readmodel"
)

// ViewSource hands out the current read model view.
type ViewSource interface {
	View() *readmodel.View
}

// Handler answers reads from the projected view. Every call reads one
// consistent view; results may lag the event log.
type Handler struct {
	views ViewSource
}

func NewHandler(views ViewSource) *Handler {
	return &Handler{views: views}
}

// Users
func (h *Handler) GetUser(id string) (readmodel.User, bool) {
	return h.views.View().User(id)
}

func (h *Handler) GetUserByUsername(username string) (readmodel.User, bool) {
	return h.views.View().UserByUsername(username)
}

// Repositories

// GetRepository hides private repositories from actors that cannot write them.
func (h *Handler) GetRepository(actor auth.Actor, id string) (readmodel.Repository, bool) {
	r, ok := h.views.View().Repository(id)
	if !ok || !visible(actor, r) {
		return readmodel.Repository{}, false
	}
	return r, true
}

func (h *Handler) ListRepositoriesByOwner(actor auth.Actor, ownerID string) []readmodel.Repository {
	return filterVisible(actor, h.views.View().RepositoriesByOwner(ownerID))
}

func (h *Handler) ListStarredRepositories(actor auth.Actor, userID string) []readmodel.Repository {
	return filterVisible(actor, h.views.View().StarredRepositories(userID))
}

func visible(actor auth.Actor, r readmodel.Repository) bool {
	return !r.IsPrivate() || actor.IsAdmin() || r.CanWrite(actor.ID)
}

func filterVisible(actor auth.Actor, repos []readmodel.Repository) []readmodel.Repository {
	out := make([]readmodel.Repository, 0, len(repos))
	for _, r := range repos {
		if visible(actor, r) {
			out = append(out, r)
		}
	}
	return out
}
