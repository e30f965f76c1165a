package authstore

import (
	"errors"
	"testing"
)

func TestAddUserThenVerify(t *testing.T) {
	s, err := Open(t.TempDir() + "/users.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.AddUser("alice", "hunter2"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if !s.VerifyUser("alice", "hunter2") {
		t.Fatal("expected correct password to verify")
	}
	if s.VerifyUser("alice", "wrong") {
		t.Fatal("expected wrong password to fail verification")
	}
	if s.VerifyUser("bob", "hunter2") {
		t.Fatal("expected unknown username to fail verification")
	}
}

func TestAddUserRejectsDuplicateUsername(t *testing.T) {
	s, err := Open(t.TempDir() + "/users.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.AddUser("alice", "hunter2"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := s.AddUser("alice", "different"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}
