// Package authstore is a local, bcrypt-backed user store for the Hub's
// /login and /refresh endpoints: one SQLite table of username/password
// hashes, created on first use.
package authstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserExists is returned by AddUser when the username is already taken.
var ErrUserExists = errors.New("authstore: username already exists")

// Store wraps a SQLite users table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the users table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("authstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL
		)
	`)
	return err
}

// AddUser creates a new user with a bcrypt-hashed password. Returns
// ErrUserExists if the username is taken.
func (s *Store) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authstore: hash password: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO users (username, password_hash) VALUES (?, ?)`, username, string(hash))
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrUserExists
		}
		return fmt.Errorf("authstore: add user: %w", err)
	}
	return nil
}

// VerifyUser reports whether username exists and password matches its
// stored bcrypt hash.
func (s *Store) VerifyUser(username, password string) bool {
	var hash string
	err := s.db.QueryRow(`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "CONSTRAINT")
}
