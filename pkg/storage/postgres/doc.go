// Package postgres manages connections to the ledger store.
//
// The billing engine treats PostgreSQL as an ACID store with two
// primitives the domain packages rely on:
//
//   - conditional status updates (UPDATE ... WHERE id = $1 AND status = $2)
//     where a zero-row result means a concurrent writer won, and
//   - atomic sequence advancement (INSERT ... ON CONFLICT DO UPDATE
//     SET last_value = last_value + 1 RETURNING last_value) for
//     invoice numbering and coupon redemption counting.
//
// Writes always use the primary; the reporting sweep may read from a
// replica via Reporting().
package postgres
