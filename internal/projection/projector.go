package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/codehost/internal/domain/aggregate"
	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
	"github.com/example/codehost/internal/readmodel"
)

// Source is where Rebuild reads the full log from.
type Source interface {
	LoadAll(ctx context.Context) ([]store.Event, error)
}

// Projector folds events into a readmodel.View. Readers get the current
// view through View() without locking; writers are serialized.
type Projector struct {
	view   atomic.Pointer[readmodel.View]
	mu     sync.Mutex
	held   heldEvents
	mirror store.ReadStoreInterface
	log    *logger.Logger
}

// NewProjector starts from an empty view. mirror may be nil.
func NewProjector(mirror store.ReadStoreInterface, log *logger.Logger) *Projector {
	p := &Projector{held: heldEvents{}, mirror: mirror, log: log.With("component", "Projector")}
	p.view.Store(readmodel.Empty())
	return p
}

// View returns the current immutable view.
func (p *Projector) View() *readmodel.View { return p.view.Load() }

// change is one read model entry to mirror; a nil value deletes it.
type change struct {
	collection string
	id         string
	value      any
}

// OnEvent applies one event. Events at or below the last applied version
// of their aggregate are duplicates and ignored; events past a missing
// version wait until it arrives. An event that cannot be decoded still
// advances its aggregate's version and its error is returned.
func (p *Projector) OnEvent(ctx context.Context, event store.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, changes, err := p.fold(p.view.Load(), p.held, event)
	p.view.Store(next)
	p.mirrorChanges(ctx, changes)
	return err
}

// Held returns how many events are waiting for an earlier version.
func (p *Projector) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, byVersion := range p.held {
		n += len(byVersion)
	}
	return n
}

// Publish lets the projector subscribe directly to an event store.
func (p *Projector) Publish(ctx context.Context, event store.Event) error {
	return p.OnEvent(ctx, event)
}

// HandleMessage decodes a broker message carrying one event.
func (p *Projector) HandleMessage(ctx context.Context, key, value []byte) error {
	var event store.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode event message %s: %w", key, err)
	}
	return p.OnEvent(ctx, event)
}

// Rebuild folds the whole log into a fresh view and swaps it in. Events
// that fail to apply are logged and skipped, as they are on live delivery.
func (p *Projector) Rebuild(ctx context.Context, source Source) error {
	events, err := source.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	view := readmodel.Empty()
	held := heldEvents{}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		view, _, err = p.fold(view, held, event)
		if err != nil {
			p.log.Error("rebuild: skipping event", "event_id", event.ID, "event_type", event.EventType, "error", err)
		}
	}
	if len(held) > 0 {
		p.log.Warn("rebuild: events waiting for missing versions", "aggregates", len(held))
	}
	p.held = held
	p.view.Store(view)
	p.mirrorView(ctx, view)

	p.log.Info("rebuild complete", "events", len(events), "users", view.UserCount(), "repositories", view.RepositoryCount())
	return nil
}

// heldEvents are events that arrived ahead of their predecessor, by
// aggregate and version.
type heldEvents map[string]map[int]store.Event

func (h heldEvents) add(event store.Event) {
	byVersion := h[event.AggregateID]
	if byVersion == nil {
		byVersion = make(map[int]store.Event)
		h[event.AggregateID] = byVersion
	}
	byVersion[event.Version] = event
}

func (h heldEvents) take(aggregateID string, version int) (store.Event, bool) {
	byVersion := h[aggregateID]
	event, ok := byVersion[version]
	if !ok {
		return store.Event{}, false
	}
	delete(byVersion, version)
	if len(byVersion) == 0 {
		delete(h, aggregateID)
	}
	return event, true
}

// fold applies event followed by every held successor it unblocks. It
// always returns a usable view.
func (p *Projector) fold(view *readmodel.View, held heldEvents, event store.Event) (*readmodel.View, []change, error) {
	last := view.Version(event.AggregateID)
	switch {
	case event.Version <= last:
		p.log.Debug("duplicate event ignored",
			"event_id", event.ID,
			"aggregate_id", event.AggregateID,
			"version", event.Version,
		)
		return view, nil, nil
	case event.Version > last+1:
		p.log.Warn("version gap, holding event", "aggregate_id", event.AggregateID, "last", last, "version", event.Version)
		held.add(event)
		return view, nil, nil
	}

	var (
		changes []change
		errs    []error
	)
	for {
		next, applied, err := p.apply(view, event)
		view = next
		changes = append(changes, applied...)
		if err != nil {
			errs = append(errs, err)
		}
		successor, ok := held.take(event.AggregateID, event.Version+1)
		if !ok {
			break
		}
		event = successor
	}
	return view, changes, errors.Join(errs...)
}

// apply folds one in-order event. Events it cannot decode still advance
// the aggregate's version so later ones are not held behind them.
func (p *Projector) apply(view *readmodel.View, event store.Event) (*readmodel.View, []change, error) {
	var (
		next    *readmodel.View
		changes []change
		err     error
	)
	switch event.AggregateType {
	case user.AggregateType:
		next, changes, err = applyUser(view, event)
	case repository.AggregateType:
		next, changes, err = applyRepository(view, event)
	default:
		err = aggregate.UnknownEventType(event)
	}

	if errors.Is(err, aggregate.ErrUnknownEventType) {
		p.log.Warn("no projection for event type", "event_type", event.EventType, "aggregate_type", event.AggregateType)
		return view.WithVersion(event.AggregateID, event.Version), nil, nil
	}
	if err != nil {
		return view.WithVersion(event.AggregateID, event.Version), nil, err
	}
	return next.WithVersion(event.AggregateID, event.Version), changes, nil
}

func applyUser(view *readmodel.View, event store.Event) (*readmodel.View, []change, error) {
	payload, err := user.Decode(event)
	if err != nil {
		return nil, nil, err
	}

	if created, ok := payload.(user.UserCreated); ok {
		u := readmodel.User{
			ID:        created.UserID,
			Username:  created.Username,
			Email:     created.Email,
			Name:      created.Name,
			Role:      created.Role,
			CreatedAt: created.CreatedAt,
			UpdatedAt: created.CreatedAt,
		}
		return view.WithUser(u), []change{{readmodel.CollectionUsers, u.ID, u}}, nil
	}

	u, ok := view.User(event.AggregateID)
	if !ok {
		// Deleted, or its creation was never seen.
		return view, nil, nil
	}
	switch p := payload.(type) {
	case user.UserUpdated:
		u.Name = p.Name
		u.Email = p.Email
		u.Bio = p.Bio
		u.UpdatedAt = p.UpdatedAt
	case user.UserPasswordChanged:
		u.UpdatedAt = p.ChangedAt
	case user.UserDeleted:
		return view.WithoutUser(u.ID), []change{{readmodel.CollectionUsers, u.ID, nil}}, nil
	}
	return view.WithUser(u), []change{{readmodel.CollectionUsers, u.ID, u}}, nil
}

func applyRepository(view *readmodel.View, event store.Event) (*readmodel.View, []change, error) {
	payload, err := repository.Decode(event)
	if err != nil {
		return nil, nil, err
	}

	if created, ok := payload.(repository.RepositoryCreated); ok {
		r := readmodel.Repository{
			ID:           created.RepositoryID,
			OwnerID:      created.OwnerID,
			Name:         created.Name,
			Description:  created.Description,
			Visibility:   string(created.Visibility),
			Contributors: []string{},
			CreatedAt:    created.CreatedAt,
			UpdatedAt:    created.CreatedAt,
		}
		return view.WithRepository(r), []change{{readmodel.CollectionRepositories, r.ID, r}}, nil
	}

	r, ok := view.Repository(event.AggregateID)
	if !ok {
		return view, nil, nil
	}
	switch p := payload.(type) {
	case repository.RepositoryUpdated:
		r.Name = p.Name
		r.Description = p.Description
		r.Visibility = string(p.Visibility)
		r.UpdatedAt = p.UpdatedAt
	case repository.RepositoryStarred:
		r.Stars++
		view = view.WithStar(p.UserID, r.ID)
	case repository.RepositoryUnstarred:
		if r.Stars > 0 {
			r.Stars--
		}
		view = view.WithoutStar(p.UserID, r.ID)
	case repository.ContributorAdded:
		r.Contributors = withMember(r.Contributors, p.UserID)
		r.UpdatedAt = p.AddedAt
	case repository.ContributorRemoved:
		r.Contributors = withoutMember(r.Contributors, p.UserID)
		r.UpdatedAt = p.RemovedAt
	case repository.RepositoryDeleted:
		return view.WithoutRepository(r.ID), []change{{readmodel.CollectionRepositories, r.ID, nil}}, nil
	}
	return view.WithRepository(r), []change{{readmodel.CollectionRepositories, r.ID, r}}, nil
}

// withMember returns a new sorted slice; the input may be shared by older views.
func withMember(members []string, id string) []string {
	out := make([]string, 0, len(members)+1)
	for _, m := range members {
		if m == id {
			return members
		}
		out = append(out, m)
	}
	out = append(out, id)
	sort.Strings(out)
	return out
}

func withoutMember(members []string, id string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func (p *Projector) mirrorChanges(ctx context.Context, changes []change) {
	if p.mirror == nil {
		return
	}
	for _, c := range changes {
		var err error
		if c.value == nil {
			err = p.mirror.Delete(ctx, c.collection, c.id)
		} else {
			err = p.mirror.Set(ctx, c.collection, c.id, c.value)
		}
		if err != nil {
			p.log.Warn("mirror write failed", "collection", c.collection, "id", c.id, "error", err)
		}
	}
}

// mirrorView writes every entry of a rebuilt view. Entries of aggregates
// deleted before the rebuild are not removed from the mirror.
func (p *Projector) mirrorView(ctx context.Context, view *readmodel.View) {
	if p.mirror == nil {
		return
	}
	var changes []change
	view.EachUser(func(u readmodel.User) {
		changes = append(changes, change{readmodel.CollectionUsers, u.ID, u})
	})
	view.EachRepository(func(r readmodel.Repository) {
		changes = append(changes, change{readmodel.CollectionRepositories, r.ID, r})
	})
	p.mirrorChanges(ctx, changes)
}

var _ store.Publisher = (*Projector)(nil)
