package quarry

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// Backup copies one database of this connection into a destination file,
// page by page, while the source stays usable between steps. Finish the
// backup before closing the connection; an unfinished backup keeps the
// source database pinned.
type Backup struct {
	conn  *Conn
	sess  *resource.Session
	dstDB uint32
}

// Backup opens dstPath on this connection's engine instance and starts
// backing up the source database srcName (usually "main") into the
// destination database dstName.
func (c *Conn) Backup(ctx context.Context, srcName, dstPath, dstName string) (*Backup, error) {
	ctx, done, err := c.enter(ctx, errors.PhaseBackup)
	if err != nil {
		return nil, err
	}
	defer done()

	dstDB, err := c.openDatabase(ctx, dstPath, engine.OpenReadWrite|engine.OpenCreate)
	if err != nil {
		return nil, err
	}

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	dstNamePtr, err := c.stageString(list, dstName)
	if err != nil {
		_, _ = c.call(ctx, "sqlite3_close_v2", uint64(dstDB))
		return nil, err
	}
	srcNamePtr, err := c.stageString(list, srcName)
	if err != nil {
		_, _ = c.call(ctx, "sqlite3_close_v2", uint64(dstDB))
		return nil, err
	}

	ptr, err := c.call(ctx, "sqlite3_backup_init",
		uint64(dstDB), uint64(dstNamePtr), uint64(c.db), uint64(srcNamePtr))
	if err != nil {
		_, _ = c.call(ctx, "sqlite3_close_v2", uint64(dstDB))
		return nil, err
	}
	if ptr == 0 {
		// Init failures report through the destination handle.
		code := errors.CodeError
		if rc, cerr := c.call(ctx, "sqlite3_errcode", uint64(dstDB)); cerr == nil {
			code = errors.Code(int32(uint32(rc)))
		}
		msg := c.errmsgOn(ctx, dstDB)
		_, _ = c.call(ctx, "sqlite3_close_v2", uint64(dstDB))
		return nil, errors.Engine(errors.PhaseBackup, code, msg)
	}

	b := &Backup{conn: c, dstDB: dstDB}

	// The class closure captures the connection and destination handle but
	// never the session, so an abandoned Backup stays collectable.
	cls := resource.NewClass("backup", func(p uint32) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed.Load() {
			return
		}
		engine.Logger().Warn("backup leaked, finishing", zap.Uint32("backup", p))
		bg := withConn(context.Background(), c)
		c.inst.SetContext(bg)
		if _, err := c.call(bg, "sqlite3_backup_finish", uint64(p)); err != nil {
			engine.Logger().Warn("finish leaked backup", zap.Error(err))
		}
		if _, err := c.call(bg, "sqlite3_close_v2", uint64(dstDB)); err != nil {
			engine.Logger().Warn("close leaked backup destination", zap.Error(err))
		}
	})
	b.sess = cls.Session(uint32(ptr))
	return b, nil
}

// Step copies up to pages pages, or all remaining pages when pages is
// negative. It reports true once the backup is complete. A busy or locked
// source means more work remains, not failure; step again after the
// contention clears.
func (b *Backup) Step(ctx context.Context, pages int) (bool, error) {
	ctx, done, err := b.conn.enter(ctx, errors.PhaseBackup)
	if err != nil {
		return false, err
	}
	defer done()

	ptr, ok := b.sess.Ptr()
	if !ok {
		return false, errors.InvalidHandle(errors.PhaseBackup, "backup")
	}
	rc, err := b.conn.call(ctx, "sqlite3_backup_step", uint64(ptr), uint64(uint32(int32(pages))))
	if err != nil {
		return false, err
	}
	switch code := errors.Code(int32(uint32(rc))); code.Primary() {
	case errors.CodeDone:
		return true, nil
	case errors.CodeOK, errors.CodeBusy, errors.CodeLocked:
		return false, nil
	default:
		return false, errors.Engine(errors.PhaseBackup, code, b.conn.errmsgOn(ctx, b.dstDB))
	}
}

// Remaining returns the number of pages left to copy as of the last step,
// 0 once the backup has finished.
func (b *Backup) Remaining(ctx context.Context) (int, error) {
	return b.counter(ctx, "sqlite3_backup_remaining")
}

// PageCount returns the source's total page count as of the last step, 0
// once the backup has finished.
func (b *Backup) PageCount(ctx context.Context) (int, error) {
	return b.counter(ctx, "sqlite3_backup_pagecount")
}

func (b *Backup) counter(ctx context.Context, fn string) (int, error) {
	ctx, done, err := b.conn.enter(ctx, errors.PhaseBackup)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, ok := b.sess.Ptr()
	if !ok {
		return 0, nil
	}
	v, err := b.conn.call(ctx, fn, uint64(ptr))
	if err != nil {
		return 0, err
	}
	return int(int32(uint32(v))), nil
}

// Finish releases the backup and closes the destination database. The
// first call's error is definitive; every later call is a successful
// no-op.
func (b *Backup) Finish(ctx context.Context) error {
	ctx, done, err := b.conn.enter(ctx, errors.PhaseBackup)
	if err != nil {
		return err
	}
	defer done()

	return b.sess.Finish(func(ptr uint32) error {
		var result *multierror.Error
		rc, err := b.conn.call(ctx, "sqlite3_backup_finish", uint64(ptr))
		if err != nil {
			result = multierror.Append(result, err)
		} else if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
			result = multierror.Append(result,
				errors.Engine(errors.PhaseBackup, code, b.conn.errmsgOn(ctx, b.dstDB)))
		}
		rc, err = b.conn.call(ctx, "sqlite3_close_v2", uint64(b.dstDB))
		if err != nil {
			result = multierror.Append(result, err)
		} else if code := errors.Code(int32(uint32(rc))); code != errors.CodeOK {
			result = multierror.Append(result,
				errors.Engine(errors.PhaseBackup, code, code.String()))
		}
		return result.ErrorOrNil()
	})
}
