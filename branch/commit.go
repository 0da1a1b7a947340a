package branch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Commit is the unit of work on a branch. All versions written during the
// commit carry its timepoint; they become visible only when MarkSuccessful
// advances the branch head past that timepoint. Rollback leaves any rows
// already written invisible (head never reaches them) and runs the
// registered cleanup hooks to delete them eagerly.
type Commit struct {
	registry *Registry
	branch   *Branch

	Timepoint int64

	// Rebase marks a merge commit: change flags are forced even when the
	// incoming component is byte-equal to the parent version.
	Rebase bool

	rollbackFns []func(context.Context) error
	successFns  []func(context.Context) error
	closed      bool
}

// Branch returns the commit's working copy of the branch row. Mutations
// (head, base, versions-replaced) take effect at MarkSuccessful.
func (c *Commit) Branch() *Branch { return c.branch }

// Path is the branch under edit.
func (c *Commit) Path() string { return c.branch.Path }

// AddVersionsReplaced records component ids whose ancestor versions this
// commit shadows.
func (c *Commit) AddVersionsReplaced(typeName string, ids ...string) {
	c.branch.AddReplaced(typeName, ids...)
}

// OnRollback registers cleanup to run if the commit rolls back; the store
// uses it to delete rows stamped with this commit's timepoint.
func (c *Commit) OnRollback(fn func(context.Context) error) {
	c.rollbackFns = append(c.rollbackFns, fn)
}

// OnSuccessful registers work to run after visibility flips, e.g. external
// identifier registration.
func (c *Commit) OnSuccessful(fn func(context.Context) error) {
	c.successFns = append(c.successFns, fn)
}

// MarkSuccessful flips visibility: head advances to the commit timepoint,
// the branch row (including versions-replaced additions) is persisted and
// the lock releases. Not cancellable once begun.
func (c *Commit) MarkSuccessful(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("commit on %s already closed", c.branch.Path)
	}
	c.branch.Head = c.Timepoint
	if err := c.registry.closeCommit(ctx, c, true); err != nil {
		return fmt.Errorf("close commit on %s: %w", c.branch.Path, err)
	}
	c.closed = true
	for _, fn := range c.successFns {
		if err := fn(ctx); err != nil {
			// Visibility has already flipped; post-commit hooks only warn.
			logrus.WithError(err).WithField("path", c.branch.Path).Warn("post-commit hook failed")
		}
	}
	return nil
}

// Rollback abandons the commit. Rows written under the commit timepoint are
// deleted best-effort; they were never visible.
func (c *Commit) Rollback(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, fn := range c.rollbackFns {
		if err := fn(ctx); err != nil {
			logrus.WithError(err).WithField("path", c.branch.Path).Warn("commit rollback cleanup failed")
		}
	}
	return c.registry.closeCommit(ctx, c, false)
}
