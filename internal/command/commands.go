package command

// User Commands
type RegisterUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateProfile struct {
	UserID string  `json:"user_id"`
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty"`
	Bio    *string `json:"bio,omitempty"`
}

type ChangePassword struct {
	UserID          string `json:"user_id"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type DeleteUser struct {
	UserID string `json:"user_id"`
}

// Repository Commands
type CreateRepository struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

type UpdateRepository struct {
	RepositoryID string  `json:"repository_id"`
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	Visibility   *string `json:"visibility,omitempty"`
}

type StarRepository struct {
	RepositoryID string `json:"repository_id"`
}

type UnstarRepository struct {
	RepositoryID string `json:"repository_id"`
}

type AddContributor struct {
	RepositoryID string `json:"repository_id"`
	UserID       string `json:"user_id"`
}

type RemoveContributor struct {
	RepositoryID string `json:"repository_id"`
	UserID       string `json:"user_id"`
}

type DeleteRepository struct {
	RepositoryID string `json:"repository_id"`
}

// Token is the result of a successful login.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	UserID      string `json:"user_id"`
}
