// Package invoices owns the Invoice and PaymentReminder records: creation
// with race-safe per-tenant-month numbering, status transitions, and the
// reminder schedule around each due date.
//
// Status transitions on a shared invoice are conditional updates scoped by
// the current status. A writer that loses the race observes zero rows
// affected and treats the transition as already applied, never as an error.
package invoices
