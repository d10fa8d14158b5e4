// Package errors provides structured error types for the quarry bridge.
//
// Errors are categorized by Phase (which bridge operation failed) and Kind
// (failure class). Engine-reported failures additionally carry the engine's
// primary result Code and diagnostic message; host-computation failures keep
// their Go cause chained while the engine only ever observes a generic
// status.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseStep, errors.KindEngine).
//		Code(errors.CodeBusy).
//		Message("database is locked").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Engine(errors.PhasePrepare, errors.CodeError, "near \"SELEC\": syntax error")
//	err := errors.InvalidHandle(errors.PhaseBackup, "backup already finished")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
