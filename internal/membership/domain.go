package membership

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"shelfledger/internal/apperr"
	"shelfledger/internal/session"
)

// placeholder fills the profile fields of a self-registered user until an
// administrator completes them.
const placeholder = "pending registration"

// User is a library patron or librarian together with their login identity.
type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Year      int       `json:"year" db:"year"`
	Class     string    `json:"class" db:"class"`
	Course    string    `json:"course" db:"course"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Principal is the session identity of u.
func (u User) Principal() session.Principal {
	return session.Principal{UserID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

// UserInput carries the fields an administrator edits.
type UserInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Year     int    `json:"year"`
	Class    string `json:"class"`
	Course   string `json:"course"`
	Role     string `json:"role"`
}

// Validate requires every field except year and checks the role.
func (in UserInput) Validate() error {
	for _, v := range []string{in.Name, in.Email, in.Password, in.Class, in.Course, in.Role} {
		if strings.TrimSpace(v) == "" {
			return apperr.Validation("name, email, password, class, course and role are required")
		}
	}
	if in.Role != session.RoleAdmin && in.Role != session.RoleCommon {
		return apperr.Validation("role must be %q or %q", session.RoleAdmin, session.RoleCommon)
	}
	return nil
}

// Credentials is a login attempt.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Email) == "" || c.Password == "" {
		return apperr.Validation("email and password are required")
	}
	return nil
}

// nameFromEmail derives a display name from the local part of an address.
func nameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

const aggregateType = "user"

const (
	eventUserRegistered = "UserRegistered"
	eventUserCreated    = "UserCreated"
	eventUserUpdated    = "UserUpdated"
	eventUserDeleted    = "UserDeleted"
)

// UserEvent is journaled for every change to a user. Passwords are never
// part of the payload.
type UserEvent struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Email string    `json:"email,omitempty"`
	Role  string    `json:"role,omitempty"`
}
