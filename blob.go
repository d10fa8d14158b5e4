package quarry

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
	"github.com/quarrydb/quarry/resource"
)

// Blob is an open handle onto one blob cell, supporting incremental reads
// and writes without loading the whole value. ReadAt and WriteAt follow the
// io.ReaderAt and io.WriterAt contracts; incremental I/O can never change a
// blob's size.
type Blob struct {
	conn *Conn
	sess *resource.Session
	size int
}

// OpenBlob opens the blob stored in the given row and column. db names the
// attached database, usually "main". A writable handle requires the
// connection itself to be writable.
func (c *Conn) OpenBlob(ctx context.Context, db, table, column string, rowid int64, writable bool) (*Blob, error) {
	ctx, done, err := c.enter(ctx, errors.PhaseBlob)
	if err != nil {
		return nil, err
	}
	defer done()

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	dbPtr, err := c.stageString(list, db)
	if err != nil {
		return nil, err
	}
	tablePtr, err := c.stageString(list, table)
	if err != nil {
		return nil, err
	}
	columnPtr, err := c.stageString(list, column)
	if err != nil {
		return nil, err
	}
	out, err := c.stageBytes(list, make([]byte, 4))
	if err != nil {
		return nil, err
	}

	flags := uint64(0)
	if writable {
		flags = 1
	}
	rc, err := c.call(ctx, "sqlite3_blob_open",
		uint64(c.db), uint64(dbPtr), uint64(tablePtr), uint64(columnPtr),
		uint64(rowid), flags, uint64(out))
	if err != nil {
		return nil, err
	}
	if cerr := c.rcErr(ctx, errors.PhaseBlob, rc); cerr != nil {
		return nil, cerr
	}
	ptr, err := c.mem.ReadU32(out)
	if err != nil {
		return nil, errors.HostFailure(errors.PhaseBlob, err)
	}
	if ptr == 0 {
		return nil, errors.Engine(errors.PhaseBlob, errors.CodeNoMem, "open returned no blob handle")
	}

	size, err := c.blobSize(ctx, ptr)
	if err != nil {
		_, _ = c.call(ctx, "sqlite3_blob_close", uint64(ptr))
		return nil, err
	}
	return &Blob{conn: c, sess: c.blobClass.Session(ptr), size: size}, nil
}

func (c *Conn) blobSize(ctx context.Context, ptr uint32) (int, error) {
	v, err := c.call(ctx, "sqlite3_blob_bytes", uint64(ptr))
	if err != nil {
		return 0, err
	}
	return int(int32(uint32(v))), nil
}

// finalizeBlob reclaims a blob handle whose wrapper was collected without
// Close. Runs on the finalizer goroutine.
func (c *Conn) finalizeBlob(ptr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	engine.Logger().Warn("blob handle leaked, closing", zap.Uint32("blob", ptr))
	ctx := withConn(context.Background(), c)
	c.inst.SetContext(ctx)
	if _, err := c.call(ctx, "sqlite3_blob_close", uint64(ptr)); err != nil {
		engine.Logger().Warn("close leaked blob", zap.Error(err))
	}
}

// Size returns the blob's byte length as of open or the last Reopen.
func (b *Blob) Size() int {
	return b.size
}

// ReadAt reads into p starting at byte offset off. A read reaching past
// the end returns the bytes up to the end together with io.EOF.
func (b *Blob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	ctx, done, err := b.conn.enter(ctx, errors.PhaseBlob)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, ok := b.sess.Ptr()
	if !ok {
		return 0, errors.InvalidHandle(errors.PhaseBlob, "blob")
	}
	if off < 0 {
		return 0, errors.InvalidInput(errors.PhaseBlob, "negative read offset")
	}
	if off >= int64(b.size) {
		return 0, io.EOF
	}

	n := len(p)
	eof := false
	if int64(n) > int64(b.size)-off {
		n = int(int64(b.size) - off)
		eof = true
	}
	if n == 0 {
		return 0, nil
	}

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(b.conn.alloc)
	buf, err := b.conn.stageBytes(list, make([]byte, n))
	if err != nil {
		return 0, err
	}
	rc, err := b.conn.call(ctx, "sqlite3_blob_read",
		uint64(ptr), uint64(buf), uint64(uint32(n)), uint64(uint32(int32(off))))
	if err != nil {
		return 0, err
	}
	if cerr := b.conn.rcErr(ctx, errors.PhaseBlob, rc); cerr != nil {
		return 0, cerr
	}
	view, err := b.conn.mem.Read(buf, uint32(n))
	if err != nil {
		return 0, errors.HostFailure(errors.PhaseBlob, err)
	}
	copy(p, view)
	if eof {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at byte offset off. The written region must lie within
// the blob's current size; a write past the end fails without writing.
func (b *Blob) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	ctx, done, err := b.conn.enter(ctx, errors.PhaseBlob)
	if err != nil {
		return 0, err
	}
	defer done()

	ptr, ok := b.sess.Ptr()
	if !ok {
		return 0, errors.InvalidHandle(errors.PhaseBlob, "blob")
	}
	if off < 0 {
		return 0, errors.InvalidInput(errors.PhaseBlob, "negative write offset")
	}
	if len(p) == 0 {
		return 0, nil
	}

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(b.conn.alloc)
	buf, err := b.conn.stageBytes(list, p)
	if err != nil {
		return 0, err
	}
	rc, err := b.conn.call(ctx, "sqlite3_blob_write",
		uint64(ptr), uint64(buf), uint64(uint32(len(p))), uint64(uint32(int32(off))))
	if err != nil {
		return 0, err
	}
	if cerr := b.conn.rcErr(ctx, errors.PhaseBlob, rc); cerr != nil {
		return 0, cerr
	}
	return len(p), nil
}

// Reopen moves the handle to another row of the same table and column
// without reallocating it. The size is re-read; the new row's blob may
// differ.
func (b *Blob) Reopen(ctx context.Context, rowid int64) error {
	ctx, done, err := b.conn.enter(ctx, errors.PhaseBlob)
	if err != nil {
		return err
	}
	defer done()

	ptr, ok := b.sess.Ptr()
	if !ok {
		return errors.InvalidHandle(errors.PhaseBlob, "blob")
	}
	rc, err := b.conn.call(ctx, "sqlite3_blob_reopen", uint64(ptr), uint64(rowid))
	if err != nil {
		return err
	}
	if cerr := b.conn.rcErr(ctx, errors.PhaseBlob, rc); cerr != nil {
		return cerr
	}
	size, err := b.conn.blobSize(ctx, ptr)
	if err != nil {
		return err
	}
	b.size = size
	return nil
}

// Close releases the blob handle. Close is idempotent, and closing after
// the connection has closed is a no-op.
func (b *Blob) Close(ctx context.Context) error {
	c := b.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return b.sess.Finish(nil)
	}
	ctx = withConn(ctx, c)
	c.inst.SetContext(ctx)
	return b.sess.Finish(func(ptr uint32) error {
		rc, err := c.call(ctx, "sqlite3_blob_close", uint64(ptr))
		if err != nil {
			return err
		}
		return c.rcErr(ctx, errors.PhaseBlob, rc)
	})
}
