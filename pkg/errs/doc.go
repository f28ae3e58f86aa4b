// Package errs defines the error taxonomy shared by the billing engine.
//
// Errors are classified by Kind so callers can branch on failure mode:
//
//	inv, err := invoiceSvc.VoidInvoice(ctx, id)
//	if errs.IsInvalidState(err) {
//	    // invoice already paid; surface a structured failure
//	}
//
// Transient errors (gateway timeouts, notification failures) are never
// surfaced to callers of scheduled operations; they feed the retry path
// and become observable through BillingJob.ErrorMessage and stats.
package errs
