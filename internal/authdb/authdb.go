// Package authdb is the aha:admin bootstrap account described in
// SPEC_FULL.md §3 ("Supplemented Features"): a single root password,
// hashed with bcrypt, that gates the HTTP admin API (internal/
// transport/http) and is replicated through the nexus log like
// everything else a cell remembers across restarts.
package authdb

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
)

// EventRootPasswordSet is appended whenever the root password is
// (re)configured. It is not part of nexus.go's shared constant block
// because only this package produces and consumes it.
const EventRootPasswordSet = "auth:rootpw"

var rootPath = hive.Path{"auth", "root"}

type rootPasswordEvent struct {
	Hash    string    `json:"hash"`
	SetAt   time.Time `json:"set_at"`
	Comment string    `json:"comment,omitempty"`
}

// DB is the authentication database: currently just the single root
// account, but structured so additional principals could be added
// under the same "auth/" hive subtree without touching the wire
// protocol.
type DB struct {
	nexusLog nexus.Log
	tree     *hive.Hive
	clock    func() time.Time
}

// New returns a DB recording changes through log into tree.
func New(log nexus.Log, tree *hive.Hive) *DB {
	d := &DB{nexusLog: log, tree: tree, clock: time.Now}
	tree.RegisterHandler(EventRootPasswordSet, d.applyRootPassword)
	return d
}

func (d *DB) applyRootPassword(t *hive.Tree, ev nexus.Event) error {
	var rec rootPasswordEvent
	if err := nexus.Decode(ev, &rec); err != nil {
		return err
	}
	return t.Set(rootPath, rec)
}

// SetRootPassword bcrypt-hashes password and records it. It is called
// once at bootstrap (from the auth:passwd config key) and again any
// time an operator rotates the password through the admin API.
func (d *DB) SetRootPassword(ctx context.Context, password string) error {
	if len(password) < 8 {
		return &core.ErrBadArg{Reason: "root password must be at least 8 characters"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authdb: hash root password: %w", err)
	}
	_, err = d.nexusLog.Append(ctx, EventRootPasswordSet, rootPasswordEvent{
		Hash:  string(hash),
		SetAt: d.clock(),
	})
	return err
}

// VerifyRootPassword reports whether password matches the stored
// hash. It returns core.ErrAuthDeny if no root password has been
// configured yet or the password does not match, never distinguishing
// the two to a caller (spec.md §7: auth failures do not leak which
// part of the check failed).
func (d *DB) VerifyRootPassword(password string) error {
	var rec rootPasswordEvent
	ok, err := hive.Get(d.tree, rootPath, &rec)
	if err != nil {
		return fmt.Errorf("authdb: read root password: %w", err)
	}
	if !ok {
		return &core.ErrAuthDeny{Reason: "no root password configured"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(password)); err != nil {
		return &core.ErrAuthDeny{Reason: "invalid root password"}
	}
	return nil
}

// HasRootPassword reports whether bootstrap has happened yet, used
// by cmd/aha to decide whether it must mint one from auth:passwd before
// serving the admin API.
func (d *DB) HasRootPassword() bool {
	var rec rootPasswordEvent
	ok, _ := hive.Get(d.tree, rootPath, &rec)
	return ok
}
