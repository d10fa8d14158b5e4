package errors

import "fmt"

// Code is an engine primary result code. Extended codes keep their primary
// code in the low byte.
type Code int32

const (
	CodeOK         Code = 0   // successful result
	CodeError      Code = 1   // generic error
	CodeInternal   Code = 2   // internal logic error in the engine
	CodePerm       Code = 3   // access permission denied
	CodeAbort      Code = 4   // callback routine requested an abort
	CodeBusy       Code = 5   // the database file is locked
	CodeLocked     Code = 6   // a table in the database is locked
	CodeNoMem      Code = 7   // a memory allocation failed
	CodeReadOnly   Code = 8   // attempt to write a readonly database
	CodeInterrupt  Code = 9   // operation terminated by interrupt
	CodeIOErr      Code = 10  // disk I/O error
	CodeCorrupt    Code = 11  // the database disk image is malformed
	CodeNotFound   Code = 12  // unknown opcode or file control
	CodeFull       Code = 13  // insertion failed because database is full
	CodeCantOpen   Code = 14  // unable to open the database file
	CodeProtocol   Code = 15  // database lock protocol error
	CodeEmpty      Code = 16  // internal use only
	CodeSchema     Code = 17  // the database schema changed
	CodeTooBig     Code = 18  // string or blob exceeds size limit
	CodeConstraint Code = 19  // abort due to constraint violation
	CodeMismatch   Code = 20  // data type mismatch
	CodeMisuse     Code = 21  // library used incorrectly
	CodeNoLFS      Code = 22  // OS features not supported on host
	CodeAuth       Code = 23  // authorization denied
	CodeFormat     Code = 24  // not used
	CodeRange      Code = 25  // bind or column index out of range
	CodeNotADB     Code = 26  // file is not a database
	CodeNotice     Code = 27  // notifications from the engine log
	CodeWarning    Code = 28  // warnings from the engine log
	CodeRow        Code = 100 // a row of output is available
	CodeDone       Code = 101 // execution has finished
)

var codeNames = map[Code]string{
	CodeOK:         "ok",
	CodeError:      "error",
	CodeInternal:   "internal",
	CodePerm:       "perm",
	CodeAbort:      "abort",
	CodeBusy:       "busy",
	CodeLocked:     "locked",
	CodeNoMem:      "nomem",
	CodeReadOnly:   "readonly",
	CodeInterrupt:  "interrupt",
	CodeIOErr:      "ioerr",
	CodeCorrupt:    "corrupt",
	CodeNotFound:   "notfound",
	CodeFull:       "full",
	CodeCantOpen:   "cantopen",
	CodeProtocol:   "protocol",
	CodeEmpty:      "empty",
	CodeSchema:     "schema",
	CodeTooBig:     "toobig",
	CodeConstraint: "constraint",
	CodeMismatch:   "mismatch",
	CodeMisuse:     "misuse",
	CodeNoLFS:      "nolfs",
	CodeAuth:       "auth",
	CodeFormat:     "format",
	CodeRange:      "range",
	CodeNotADB:     "notadb",
	CodeNotice:     "notice",
	CodeWarning:    "warning",
	CodeRow:        "row",
	CodeDone:       "done",
}

// Primary strips the extended-code high bytes.
func (c Code) Primary() Code {
	if c > CodeWarning && c != CodeRow && c != CodeDone {
		return c & 0xff
	}
	return c
}

// String returns the code's canonical lowercase name with the numeric value,
// e.g. "constraint (19)". Extended codes resolve through their primary code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return fmt.Sprintf("%s (%d)", name, int32(c))
	}
	if name, ok := codeNames[c.Primary()]; ok {
		return fmt.Sprintf("%s (%d)", name, int32(c))
	}
	return fmt.Sprintf("code %d", int32(c))
}

// Success reports whether c is a non-error result.
func (c Code) Success() bool {
	return c == CodeOK || c == CodeRow || c == CodeDone
}
