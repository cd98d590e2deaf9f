package readmodel

import "sort"

// View is an immutable snapshot of the read side. Every With*/Without*
// method returns a new View and copies only the maps it touches, so a
// View that was handed out never changes.
type View struct {
	users        map[string]User
	repositories map[string]Repository
	usernames    map[string]string              // username -> user id
	starred      map[string]map[string]struct{} // user id -> repository ids
	versions     map[string]int                 // aggregate id -> last applied version
}

// Empty returns a view with nothing in it.
func Empty() *View {
	return &View{
		users:        map[string]User{},
		repositories: map[string]Repository{},
		usernames:    map[string]string{},
		starred:      map[string]map[string]struct{}{},
		versions:     map[string]int{},
	}
}

func (v *View) User(id string) (User, bool) {
	u, ok := v.users[id]
	return u, ok
}

func (v *View) UserByUsername(username string) (User, bool) {
	id, ok := v.usernames[username]
	if !ok {
		return User{}, false
	}
	return v.User(id)
}

func (v *View) Repository(id string) (Repository, bool) {
	r, ok := v.repositories[id]
	return r, ok
}

// RepositoriesByOwner is sorted by name.
func (v *View) RepositoriesByOwner(ownerID string) []Repository {
	var out []Repository
	for _, r := range v.repositories {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StarredRepositories is sorted by repository id.
func (v *View) StarredRepositories(userID string) []Repository {
	ids := make([]string, 0, len(v.starred[userID]))
	for id := range v.starred[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Repository, 0, len(ids))
	for _, id := range ids {
		if r, ok := v.repositories[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Version is the last version applied for an aggregate, zero if none.
func (v *View) Version(aggregateID string) int { return v.versions[aggregateID] }

func (v *View) UserCount() int       { return len(v.users) }
func (v *View) RepositoryCount() int { return len(v.repositories) }

func (v *View) WithVersion(aggregateID string, version int) *View {
	next := *v
	next.versions = copyMap(v.versions)
	next.versions[aggregateID] = version
	return &next
}

func (v *View) WithUser(u User) *View {
	next := *v
	next.users = copyMap(v.users)
	next.usernames = copyMap(v.usernames)
	if old, ok := v.users[u.ID]; ok && old.Username != u.Username {
		delete(next.usernames, old.Username)
	}
	next.users[u.ID] = u
	next.usernames[u.Username] = u.ID
	return &next
}

// WithoutUser drops the user, the username claim and the user's stars list.
func (v *View) WithoutUser(id string) *View {
	old, ok := v.users[id]
	if !ok {
		return v
	}
	next := *v
	next.users = copyMap(v.users)
	next.usernames = copyMap(v.usernames)
	delete(next.users, id)
	if next.usernames[old.Username] == id {
		delete(next.usernames, old.Username)
	}
	if _, starred := v.starred[id]; starred {
		next.starred = copyMap(v.starred)
		delete(next.starred, id)
	}
	return &next
}

func (v *View) WithRepository(r Repository) *View {
	next := *v
	next.repositories = copyMap(v.repositories)
	next.repositories[r.ID] = r
	return &next
}

// WithoutRepository also removes the repository from every stars list.
func (v *View) WithoutRepository(id string) *View {
	if _, ok := v.repositories[id]; !ok {
		return v
	}
	next := *v
	next.repositories = copyMap(v.repositories)
	delete(next.repositories, id)

	copied := false
	for userID, set := range v.starred {
		if _, ok := set[id]; !ok {
			continue
		}
		if !copied {
			next.starred = copyMap(v.starred)
			copied = true
		}
		trimmed := copyMap(set)
		delete(trimmed, id)
		if len(trimmed) == 0 {
			delete(next.starred, userID)
		} else {
			next.starred[userID] = trimmed
		}
	}
	return &next
}

func (v *View) WithStar(userID, repositoryID string) *View {
	next := *v
	next.starred = copyMap(v.starred)
	set := copyMap(v.starred[userID])
	if set == nil {
		set = map[string]struct{}{}
	}
	set[repositoryID] = struct{}{}
	next.starred[userID] = set
	return &next
}

func (v *View) WithoutStar(userID, repositoryID string) *View {
	if _, ok := v.starred[userID][repositoryID]; !ok {
		return v
	}
	next := *v
	next.starred = copyMap(v.starred)
	set := copyMap(v.starred[userID])
	delete(set, repositoryID)
	if len(set) == 0 {
		delete(next.starred, userID)
	} else {
		next.starred[userID] = set
	}
	return &next
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	return out
}

// EachUser calls fn for every user in id order.
func (v *View) EachUser(fn func(User)) {
	ids := make([]string, 0, len(v.users))
	for id := range v.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(v.users[id])
	}
}

// EachRepository calls fn for every repository in id order.
func (v *View) EachRepository(fn func(Repository)) {
	ids := make([]string, 0, len(v.repositories))
	for id := range v.repositories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(v.repositories[id])
	}
}
