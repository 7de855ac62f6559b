package model

import (
	"context"
	"time"
)

// User represents an account that can own books and keep a library.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	LibraryCount int       `json:"libraryCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AuthSession represents a login session. Only the hash of the
// cookie token is ever stored.
type AuthSession struct {
	TokenHash string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Visibility controls who may read a book.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Book is a named, ordered set of questions.
type Book struct {
	ID            int64      `json:"id"`
	BookCode      string     `json:"bookCode"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Visibility    Visibility `json:"visibility"`
	AuthorID      int64      `json:"authorId"`
	QuestionCount int        `json:"questionCount"`
	RatingAvg     float64    `json:"ratingAvg"`
	RatingCount   int        `json:"ratingCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// VisibleTo reports whether u may read the book. A nil user is anonymous.
func (b Book) VisibleTo(u *User) bool {
	if b.Visibility == VisibilityPublic {
		return true
	}
	return b.EditableBy(u)
}

// EditableBy reports whether u may change the book or its questions.
func (b Book) EditableBy(u *User) bool {
	return u != nil && (u.IsAdmin || u.ID == b.AuthorID)
}

// BookPatch holds the optional fields of a book update.
type BookPatch struct {
	Title       *string
	Description *string
	Visibility  *Visibility
}

// RecentBook is a book with the time the user last opened it.
type RecentBook struct {
	Book
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Review is one user's rating of a book.
type Review struct {
	ID        int64     `json:"id"`
	BookID    int64     `json:"bookId"`
	UserID    int64     `json:"userId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}
