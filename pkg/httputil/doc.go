// Package httputil provides the response helpers and middleware used by
// the scheduler's operational HTTP endpoints.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteError(w, err)
//
// WriteError inspects classified billing errors and maps each kind to an
// HTTP status (validation to 400, not-found to 404, state conflicts to
// 409, transient failures to 503). Anything else is a 500.
//
// # Middleware
//
//	httputil.Chain(
//	    httputil.RequestIDMiddleware,
//	    httputil.RecoveryMiddleware(logger),
//	    httputil.LoggingMiddleware(logger),
//	)(handler)
package httputil
