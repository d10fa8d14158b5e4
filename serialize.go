package quarry

import (
	"context"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/errors"
)

// Serialize renders the named database (usually "main") as the byte image
// its database file would hold. The image is copied into Go memory and the
// engine-side buffer freed before return.
func (c *Conn) Serialize(ctx context.Context, schema string) ([]byte, error) {
	ctx, done, err := c.enter(ctx, errors.PhaseSerialize)
	if err != nil {
		return nil, err
	}
	defer done()

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	schemaPtr, err := c.stageString(list, schema)
	if err != nil {
		return nil, err
	}
	sizeOut, err := c.stageBytes(list, make([]byte, 8))
	if err != nil {
		return nil, err
	}

	ptr, err := c.call(ctx, "sqlite3_serialize",
		uint64(c.db), uint64(schemaPtr), uint64(sizeOut), 0)
	if err != nil {
		return nil, err
	}
	if ptr == 0 {
		return nil, errors.Engine(errors.PhaseSerialize, errors.CodeNoMem, "serialization produced no image")
	}
	defer c.alloc.Free(uint32(ptr))

	size, err := c.mem.ReadU64(sizeOut)
	if err != nil {
		return nil, errors.HostFailure(errors.PhaseSerialize, err)
	}
	if size == 0 {
		return []byte{}, nil
	}
	view, err := c.mem.Read(uint32(ptr), uint32(size))
	if err != nil {
		return nil, errors.HostFailure(errors.PhaseSerialize, err)
	}
	image := make([]byte, len(view))
	copy(image, view)
	return image, nil
}

// Deserialize replaces the named database's contents with image, as if the
// connection had opened a database file holding exactly those bytes. The
// image is copied into an engine-owned buffer whose ownership transfers
// with the call: the engine frees it when the database closes, resizes it
// on growth, and frees it even when deserialization fails.
func (c *Conn) Deserialize(ctx context.Context, schema string, image []byte) error {
	ctx, done, err := c.enter(ctx, errors.PhaseSerialize)
	if err != nil {
		return err
	}
	defer done()

	list := engine.NewAllocationList()
	defer list.FreeAndRelease(c.alloc)
	schemaPtr, err := c.stageString(list, schema)
	if err != nil {
		return err
	}

	var buf uint32
	if len(image) > 0 {
		buf, err = c.alloc.Alloc(uint32(len(image)))
		if err != nil {
			return errors.AllocationFailed(errors.PhaseSerialize, uint64(len(image)))
		}
		if werr := c.mem.Write(buf, image); werr != nil {
			c.alloc.Free(buf)
			return errors.HostFailure(errors.PhaseSerialize, werr)
		}
	}

	rc, err := c.call(ctx, "sqlite3_deserialize",
		uint64(c.db), uint64(schemaPtr), uint64(buf),
		uint64(len(image)), uint64(len(image)),
		uint64(engine.DeserializeFreeOnClose|engine.DeserializeResizeable))
	if err != nil {
		return err
	}
	return c.rcErr(ctx, errors.PhaseSerialize, rc)
}
