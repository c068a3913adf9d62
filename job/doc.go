// Package job defines the conversion job entity, its status machine, and
// the store interface.
//
// # Status machine
//
//	pending → processing → completed
//	pending → processing → processing (retry) → ... → failed
//	pending → canceled
//	processing → canceled
//
// Completed, failed and canceled are terminal: once a job reaches one of
// them its status never changes again. Progress is non-decreasing within an
// attempt and reaches 100 on completion; a retry resets it to zero.
//
// # Conditional updates
//
// [Store.UpdateJob] takes the status the caller last observed and fails
// with docflow.ErrStatusConflict if the persisted status differs. Cancel
// and the worker both write through it, so a cancellation mark can never be
// overwritten by a progress checkpoint.
package job
