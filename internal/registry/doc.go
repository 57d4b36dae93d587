// Package registry tracks topic subscriptions independently of the upstream
// connection. Requests are idempotent and queue realization work for the
// relay's single owner loop; only that owner moves a subscription out of
// Pending.
package registry
