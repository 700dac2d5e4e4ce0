// Package auth provides the built-in user model, password hashing and
// bearer token issuing for fastmango applications.
package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/fastmango/fastmango/pkg/orm"
)

var (
	// ErrInvalidCredentials is returned when a username and password do
	// not identify an active user.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmptyPassword is returned when setting an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")
)

// hashCost is lowered in tests.
var hashCost = bcrypt.DefaultCost

// User is the built-in account model.
type User struct {
	ID           int64   `db:"id" json:"id"`
	Username     string  `db:"username" json:"username" orm:"unique,index,size=150"`
	Email        string  `db:"email" json:"email" orm:"unique,size=254"`
	PasswordHash *string `db:"password_hash" json:"-"`
	IsActive     bool    `db:"is_active" json:"is_active" orm:"default=true"`
}

// Users is the manager of the user table.
var Users = orm.Register[User]()

// SetPassword replaces the stored hash. The user is not saved.
func (u *User) SetPassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return err
	}
	s := string(hash)
	u.PasswordHash = &s
	return nil
}

// CheckPassword reports whether password matches the stored hash. Users
// without a password never match.
func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == nil || *u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)) == nil
}

// CreateUser inserts an active user with a hashed password.
func CreateUser(ctx context.Context, username, email, password string) (*User, error) {
	u, err := Users.New(orm.Fields{
		"username": strings.TrimSpace(username),
		"email":    strings.TrimSpace(email),
	})
	if err != nil {
		return nil, err
	}
	if err := u.SetPassword(password); err != nil {
		return nil, err
	}
	if err := Users.Save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate returns the active user identified by username and password.
func Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := Users.Get(ctx, orm.Fields{"username": username})
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsActive || !u.CheckPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
