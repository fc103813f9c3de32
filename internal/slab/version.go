package slab

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the on-disk layout version this binary writes and
// the newest version it knows how to read. Spec.md §7 requires
// cant-rev-layer / bad-storage-version to surface unchanged from
// whatever subsystem produces them; this is that subsystem.
var SchemaVersion = semver.MustParse("1.0.0")

// ErrStorageTooNew means the on-disk schema was written by a newer
// binary than this one; reading it forward is unsafe.
type ErrStorageTooNew struct {
	OnDisk string
	Binary string
}

func (e *ErrStorageTooNew) Error() string {
	return fmt.Sprintf("slab: on-disk schema %s is newer than binary schema %s", e.OnDisk, e.Binary)
}

// ErrCantRevLayer means the on-disk schema predates the oldest
// version this binary can still read (a revision/migration layer is
// missing).
type ErrCantRevLayer struct {
	OnDisk       string
	OldestSupported string
}

func (e *ErrCantRevLayer) Error() string {
	return fmt.Sprintf("slab: on-disk schema %s predates the oldest supported version %s", e.OnDisk, e.OldestSupported)
}

// oldestSupported is the oldest on-disk schema this binary can still
// open without a migration step. There is none implemented yet, so
// it is pinned to the current major version's first release.
var oldestSupported = semver.MustParse("1.0.0")

// CheckSchemaVersion validates an on-disk schema version string
// against the range this binary supports, returning a typed error
// suitable for the bad-storage-version / cant-rev-layer taxonomy
// entries in spec.md §7.
func CheckSchemaVersion(onDisk string) error {
	v, err := semver.NewVersion(onDisk)
	if err != nil {
		return fmt.Errorf("slab: invalid on-disk schema version %q: %w", onDisk, err)
	}
	if v.GreaterThan(SchemaVersion) {
		return &ErrStorageTooNew{OnDisk: onDisk, Binary: SchemaVersion.String()}
	}
	if v.LessThan(oldestSupported) {
		return &ErrCantRevLayer{OnDisk: onDisk, OldestSupported: oldestSupported.String()}
	}
	return nil
}
