// Package payments settles invoices against a payment gateway and owns
// the dunning schedule: every attempt is a BillingAttempt row, failures
// compute the next retry time from the policy, and an exhausted schedule
// hands the subscription to the cancellation path.
package payments
