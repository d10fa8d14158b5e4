package engine

import (
	"bytes"
	"fmt"

	"github.com/quarrydb/quarry/errors"
)

// WASM binary framing. Only the header and section envelopes are decoded;
// function bodies are never parsed.
const (
	wasmMagic   = 0x6d736100 // "\0asm" little-endian
	wasmVersion = 1

	sectionExport = 7

	exportKindFunc = 0
	exportKindMax  = 4 // func, table, memory, global, tag
)

// binReader walks a byte slice with position tracking so decode errors can
// report where the binary went wrong.
type binReader struct {
	data []byte
	pos  int
}

func (r *binReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of binary at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *binReader) readBytes(n uint32) ([]byte, error) {
	if uint64(r.pos)+uint64(n) > uint64(len(r.data)) {
		return nil, fmt.Errorf("unexpected end of binary at offset %d (need %d bytes)", r.pos, n)
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// readU32 reads an unsigned LEB128 encoded uint32.
func (r *binReader) readU32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && b > 0x0f {
			return 0, fmt.Errorf("leb128 overflow at offset %d", r.pos-1)
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, fmt.Errorf("leb128 overflow at offset %d", r.pos-1)
		}
	}
}

func (r *binReader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ListExports scans a WASM binary and returns the names of its exported
// functions in declaration order. The scan stops after the export section
// since later sections cannot declare exports.
func ListExports(wasm []byte) ([]string, error) {
	r := &binReader{data: wasm}

	magic, err := r.readBytes(4)
	if err != nil {
		return nil, errors.Corrupt("binary shorter than the wasm header")
	}
	if !bytes.Equal(magic, []byte{0x00, 0x61, 0x73, 0x6d}) {
		return nil, errors.Corrupt("invalid wasm magic number")
	}
	version, err := r.readBytes(4)
	if err != nil {
		return nil, errors.Corrupt("binary shorter than the wasm header")
	}
	if !bytes.Equal(version, []byte{0x01, 0x00, 0x00, 0x00}) {
		return nil, errors.Corrupt(fmt.Sprintf("unsupported wasm version %d", uint32(version[0])|uint32(version[1])<<8|uint32(version[2])<<16|uint32(version[3])<<24))
	}

	for r.pos < len(r.data) {
		id, err := r.readByte()
		if err != nil {
			return nil, errors.Corrupt(err.Error())
		}
		size, err := r.readU32()
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("section %d size: %v", id, err))
		}
		body, err := r.readBytes(size)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("section %d truncated: %v", id, err))
		}
		if id != sectionExport {
			continue
		}

		sr := &binReader{data: body}
		count, err := sr.readU32()
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("export count: %v", err))
		}
		names := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			name, err := sr.readName()
			if err != nil {
				return nil, errors.Corrupt(fmt.Sprintf("export %d name: %v", i, err))
			}
			kind, err := sr.readByte()
			if err != nil {
				return nil, errors.Corrupt(fmt.Sprintf("export %q kind: %v", name, err))
			}
			if kind > exportKindMax {
				return nil, errors.Corrupt(fmt.Sprintf("export %q has invalid kind 0x%02x", name, kind))
			}
			if _, err := sr.readU32(); err != nil {
				return nil, errors.Corrupt(fmt.Sprintf("export %q index: %v", name, err))
			}
			if kind == exportKindFunc {
				names = append(names, name)
			}
		}
		return names, nil
	}
	return nil, nil
}

// VerifyExports checks that the binary exports every function named in
// required. Missing names are reported together so an engine build can be
// fixed in one round.
func VerifyExports(wasm []byte, required []string) error {
	names, err := ListExports(wasm)
	if err != nil {
		return err
	}
	exported := make(map[string]struct{}, len(names))
	for _, n := range names {
		exported[n] = struct{}{}
	}
	var missing []string
	for _, n := range required {
		if _, ok := exported[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingExportsError(missing)
	}
	return nil
}
