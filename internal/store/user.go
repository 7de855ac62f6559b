package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

const userColumns = `id, email, password_hash, is_admin, library_count, created_at, updated_at`

// CreateUser inserts a new user. A taken email yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u model.User) (*model.User, error) {
	now := ms(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, is_admin, library_count, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		u.Email, u.PasswordHash, u.IsAdmin, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	slog.Info("created user", "id", id, "email", u.Email, "admin", u.IsAdmin)
	return s.GetUserByID(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*model.User, error) {
	var (
		u                model.User
		created, updated int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.LibraryCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return &u, nil
}

// GetUserByEmail returns a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

// GetUserByID returns a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdatePasswordHash replaces a user's password hash.
func (s *Store) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, ms(s.now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetAdmin sets the stored admin flag.
func (s *Store) SetAdmin(ctx context.Context, id int64, admin bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_admin = ?, updated_at = ? WHERE id = ?`,
		admin, ms(s.now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteUser removes a user. Their books, sessions, library links, activity
// and reviews go with them.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Library counts of other users drop for every authored book removed.
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET library_count = MAX(library_count - (
			SELECT COUNT(*) FROM user_library l JOIN books b ON b.id = l.book_id
			WHERE l.user_id = users.id AND b.author_id = ?), 0)
		 WHERE id != ?`, id, id); err != nil {
		return err
	}
	// Ratings of books this user reviewed are recomputed after the delete.
	rows, err := tx.QueryContext(ctx,
		`SELECT book_id FROM reviews WHERE user_id = ?`, id)
	if err != nil {
		return err
	}
	var reviewed []int64
	for rows.Next() {
		var bid int64
		if err := rows.Scan(&bid); err != nil {
			rows.Close()
			return err
		}
		reviewed = append(reviewed, bid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	for _, bid := range reviewed {
		if err := refreshRating(ctx, tx, bid); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("deleted user", "id", id)
	return nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// expectOne maps an update or delete that touched no row to ErrNotFound.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
