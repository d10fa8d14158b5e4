package engine

// HostNamespace is the WASM module name the engine build imports its host
// callbacks from.
const HostNamespace = "quarry"

// Names of guest exports the bridge calls directly.
const (
	FnMalloc     = "sqlite3_malloc64"
	FnFree       = "sqlite3_free"
	FnInitialize = "_initialize" // reactor builds export this instead of _start

	// Glue layer entry points. The engine build registers static
	// trampolines with these helpers and routes every callback to the
	// host imports below, carrying a host token as user data.
	FnCreateFunction = "quarry_create_function"
	FnCreateModule   = "quarry_create_module"
	FnUpdateHook     = "quarry_update_hook"
)

// Names of the host imports the engine build resolves from HostNamespace.
const (
	ImportFuncInvoke    = "func_invoke"
	ImportFuncDestroy   = "func_destroy"
	ImportAggStep       = "agg_step"
	ImportAggFinal      = "agg_final"
	ImportUpdateHook    = "update_hook"
	ImportModuleDestroy = "module_destroy"
	ImportVtabConnect   = "vtab_connect"
	ImportVtabBestIndex = "vtab_best_index"
	ImportVtabDisconn   = "vtab_disconnect"
	ImportVtabUpdate    = "vtab_update"
	ImportCursorOpen    = "cursor_open"
	ImportCursorFilter  = "cursor_filter"
	ImportCursorNext    = "cursor_next"
	ImportCursorEOF     = "cursor_eof"
	ImportCursorColumn  = "cursor_column"
	ImportCursorRowid   = "cursor_rowid"
	ImportCursorClose   = "cursor_close"
)

// Fundamental datatype codes reported by sqlite3_column_type and
// sqlite3_value_type.
const (
	TypeInteger = 1
	TypeFloat   = 2
	TypeText    = 3
	TypeBlob    = 4
	TypeNull    = 5
)

// Operation codes delivered to the update hook.
const (
	OpDelete = 9
	OpInsert = 18
	OpUpdate = 23
)

// Function registration flags.
const (
	UTF8          = 1
	Deterministic = 0x000000800
)

// Transient is the destructor sentinel ((void*)-1 on wasm32) telling the
// engine to copy text and blob payloads before the call returns, so staging
// allocations can be freed immediately.
const Transient = 0xFFFF_FFFF

// Open flags for sqlite3_open_v2.
const (
	OpenReadOnly  = 0x01
	OpenReadWrite = 0x02
	OpenCreate    = 0x04
	OpenURI       = 0x40
	OpenMemory    = 0x80
)

// Serialize and deserialize flags.
const (
	SerializeNoCopy        = 0x1
	DeserializeFreeOnClose = 0x1
	DeserializeResizeable  = 0x2
)

// sqlite3_index_info field offsets on wasm32. The struct is ILP32 with the
// f64 and i64 members aligned to 8 bytes.
const (
	IdxInfoNConstraint      = 0  // i32
	IdxInfoAConstraint      = 4  // ptr
	IdxInfoNOrderBy         = 8  // i32
	IdxInfoAOrderBy         = 12 // ptr
	IdxInfoAConstraintUsage = 16 // ptr
	IdxInfoIdxNum           = 20 // i32, set by the host
	IdxInfoIdxStr           = 24 // ptr, set by the host
	IdxInfoNeedToFreeIdxStr = 28 // i32, set by the host
	IdxInfoOrderByConsumed  = 32 // i32, set by the host
	IdxInfoEstimatedCost    = 40 // f64, set by the host
	IdxInfoEstimatedRows    = 48 // i64, set by the host
	IdxInfoIdxFlags         = 56 // i32, set by the host
	IdxInfoColUsed          = 64 // u64
)

// sqlite3_index_info.aConstraint records: {i32 iColumn; u8 op; u8 usable}
// plus internal fields, 12 bytes per record.
const (
	ConstraintSize    = 12
	ConstraintIColumn = 0
	ConstraintOp      = 4
	ConstraintUsable  = 5
)

// sqlite3_index_info.aOrderBy records: {i32 iColumn; u8 desc}, 8 bytes.
const (
	OrderBySize    = 8
	OrderByIColumn = 0
	OrderByDesc    = 4
)

// sqlite3_index_info.aConstraintUsage records: {i32 argvIndex; u8 omit},
// 8 bytes.
const (
	UsageSize      = 8
	UsageArgvIndex = 0
	UsageOmit      = 4
)

// Aggregate accumulator slots are 8 bytes obtained from
// sqlite3_aggregate_context: the accumulator token at +0 and a flags word
// at +4. Flag bit 0 records a failed initializer so later steps and the
// finalizer skip the accumulator.
const (
	AggSlotSize  = 8
	AggSlotToken = 0
	AggSlotFlags = 4

	AggFlagInitFailed = 1 << 0
)

// RequiredExports lists every guest export the bridge calls. Load refuses a
// binary that does not export all of them, reporting the full missing set at
// once.
var RequiredExports = []string{
	"sqlite3_open_v2",
	"sqlite3_close_v2",
	"sqlite3_errmsg",
	"sqlite3_errcode",
	"sqlite3_exec",
	"sqlite3_prepare_v2",
	"sqlite3_finalize",
	"sqlite3_reset",
	"sqlite3_clear_bindings",
	"sqlite3_step",
	"sqlite3_sql",
	"sqlite3_bind_parameter_count",
	"sqlite3_bind_null",
	"sqlite3_bind_int64",
	"sqlite3_bind_double",
	"sqlite3_bind_text",
	"sqlite3_bind_blob",
	"sqlite3_column_count",
	"sqlite3_column_name",
	"sqlite3_column_type",
	"sqlite3_column_int64",
	"sqlite3_column_double",
	"sqlite3_column_text",
	"sqlite3_column_blob",
	"sqlite3_column_bytes",
	"sqlite3_last_insert_rowid",
	"sqlite3_changes",
	"sqlite3_total_changes",
	"sqlite3_busy_timeout",
	"sqlite3_interrupt",
	"sqlite3_is_interrupted",
	"sqlite3_declare_vtab",
	"sqlite3_value_type",
	"sqlite3_value_int64",
	"sqlite3_value_double",
	"sqlite3_value_text",
	"sqlite3_value_blob",
	"sqlite3_value_bytes",
	"sqlite3_result_null",
	"sqlite3_result_int64",
	"sqlite3_result_double",
	"sqlite3_result_text",
	"sqlite3_result_blob",
	"sqlite3_result_error",
	"sqlite3_result_error_nomem",
	"sqlite3_aggregate_context",
	"sqlite3_backup_init",
	"sqlite3_backup_step",
	"sqlite3_backup_remaining",
	"sqlite3_backup_pagecount",
	"sqlite3_backup_finish",
	"sqlite3_blob_open",
	"sqlite3_blob_read",
	"sqlite3_blob_write",
	"sqlite3_blob_reopen",
	"sqlite3_blob_close",
	"sqlite3_blob_bytes",
	"sqlite3_serialize",
	"sqlite3_deserialize",
	FnMalloc,
	FnFree,
	FnCreateFunction,
	FnCreateModule,
	FnUpdateHook,
}
