// Package users persists dashboard operator accounts in a single JSON file.
package users

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ispadmin/internal/fsatomic"
	"ispadmin/pkg/auth"
)

const dbVersion = 1

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         auth.Role `json:"role"`
	Disabled     bool      `json:"disabled,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
}

type dbFile struct {
	Version int    `json:"version"`
	NextID  int64  `json:"next_id"`
	Users   []User `json:"users"`
}

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUsernameTaken     = errors.New("username already exists")
	ErrLastAdministrator = errors.New("cannot remove the last administrator")
)

type Store struct {
	path   string
	mu     sync.RWMutex
	wmu    sync.Mutex // serializes mutations
	byID   map[int64]User
	nextID int64
	now    func() time.Time
}

// Open loads path, starting empty when the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byID: map[int64]User{}, nextID: 1, now: time.Now}
	var f dbFile
	ok, err := fsatomic.LoadJSON(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if !ok {
		return s, nil
	}
	if f.Version != dbVersion {
		return nil, fmt.Errorf("unsupported users db version: %d", f.Version)
	}
	for _, u := range f.Users {
		s.byID[u.ID] = u
		if u.ID >= s.nextID {
			s.nextID = u.ID + 1
		}
	}
	if f.NextID > s.nextID {
		s.nextID = f.NextID
	}
	return s, nil
}

func normalize(username string) string { return strings.ToLower(strings.TrimSpace(username)) }

func findIn(byID map[int64]User, username string) (User, bool) {
	key := normalize(username)
	for _, u := range byID {
		if normalize(u.Username) == key {
			return u, true
		}
	}
	return User{}, false
}

func countAdmins(byID map[int64]User) int {
	n := 0
	for _, u := range byID {
		if u.Role == auth.RoleAdministrator && !u.Disabled {
			n++
		}
	}
	return n
}

func sorted(byID map[int64]User) []User {
	list := make([]User, 0, len(byID))
	for _, u := range byID {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// FindByUsername matches usernames case-insensitively.
func (s *Store) FindByUsername(username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := findIn(s.byID, username)
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *Store) FindByID(id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// LookupAccount adapts the store to the credential verifier.
func (s *Store) LookupAccount(_ context.Context, username string) (auth.Account, bool, error) {
	u, err := s.FindByUsername(username)
	if errors.Is(err, ErrUserNotFound) {
		return auth.Account{}, false, nil
	}
	if err != nil {
		return auth.Account{}, false, err
	}
	return auth.Account{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		Disabled:     u.Disabled,
	}, true, nil
}

// List returns all users ordered by ID.
func (s *Store) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.byID)
}

func (s *Store) HasAdministrator() bool {
	return s.CountAdministrators() > 0
}

// CountAdministrators counts enabled administrator accounts.
func (s *Store) CountAdministrators() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countAdmins(s.byID)
}

// staged is a private copy of the store state that a mutation edits.
type staged struct {
	byID   map[int64]User
	nextID int64
}

// mutate runs fn on a copy of the state, persists the result and only then
// makes it visible. A failed write leaves memory and disk unchanged.
func (s *Store) mutate(ctx context.Context, fn func(st *staged) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	st := &staged{byID: make(map[int64]User, len(s.byID)+1), nextID: s.nextID}
	for id, u := range s.byID {
		st.byID[id] = u
	}
	s.mu.RUnlock()

	if err := fn(st); err != nil {
		return err
	}
	f := dbFile{Version: dbVersion, NextID: st.nextID, Users: sorted(st.byID)}
	if err := fsatomic.SaveJSONLocked(ctx, s.path, f, 0o600); err != nil {
		return err
	}

	s.mu.Lock()
	s.byID, s.nextID = st.byID, st.nextID
	s.mu.Unlock()
	return nil
}

// Create assigns the next ID and persists the new user.
func (s *Store) Create(ctx context.Context, u User) (User, error) {
	err := s.mutate(ctx, func(st *staged) error {
		if _, taken := findIn(st.byID, u.Username); taken {
			return ErrUsernameTaken
		}
		now := s.now().UTC()
		u.ID = st.nextID
		u.Username = strings.TrimSpace(u.Username)
		u.CreatedAt, u.UpdatedAt = now, now
		st.byID[u.ID] = u
		st.nextID++
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// Update applies fn to the stored user and persists the result. fn must
// not change the ID. Demoting or disabling the last administrator fails.
func (s *Store) Update(ctx context.Context, id int64, fn func(*User) error) (User, error) {
	var next User
	err := s.mutate(ctx, func(st *staged) error {
		cur, ok := st.byID[id]
		if !ok {
			return ErrUserNotFound
		}
		next = cur
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = id
		if !strings.EqualFold(next.Username, cur.Username) {
			if _, taken := findIn(st.byID, next.Username); taken {
				return ErrUsernameTaken
			}
		}
		wasAdmin := cur.Role == auth.RoleAdministrator && !cur.Disabled
		isAdmin := next.Role == auth.RoleAdministrator && !next.Disabled
		if wasAdmin && !isAdmin && countAdmins(st.byID) == 1 {
			return ErrLastAdministrator
		}
		next.UpdatedAt = s.now().UTC()
		st.byID[id] = next
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return next, nil
}

// RecordLogin stamps LastLoginAt. Failures are returned but callers
// usually only log them.
func (s *Store) RecordLogin(ctx context.Context, id int64) error {
	return s.mutate(ctx, func(st *staged) error {
		u, ok := st.byID[id]
		if !ok {
			return ErrUserNotFound
		}
		u.LastLoginAt = s.now().UTC()
		st.byID[id] = u
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.mutate(ctx, func(st *staged) error {
		u, ok := st.byID[id]
		if !ok {
			return ErrUserNotFound
		}
		if u.Role == auth.RoleAdministrator && !u.Disabled && countAdmins(st.byID) == 1 {
			return ErrLastAdministrator
		}
		delete(st.byID, id)
		return nil
	})
}
