package readmodel

import "time"

// User is the read model for users. Credentials never reach the read side.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Bio       string    `json:"bio,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository is the read model for repositories
type Repository struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Visibility   string    `json:"visibility"`
	Stars        int       `json:"stars"`
	Contributors []string  `json:"contributors"` // sorted
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r Repository) IsPrivate() bool { return r.Visibility == "private" }

// CanWrite reports whether userID owns or contributes to the repository.
func (r Repository) CanWrite(userID string) bool {
	if userID == r.OwnerID {
		return true
	}
	for _, c := range r.Contributors {
		if c == userID {
			return true
		}
	}
	return false
}

// Collection names used when mirroring the view.
const (
	CollectionUsers        = "users"
	CollectionRepositories = "repositories"
)
