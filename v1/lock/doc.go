// Package lock provides the backing-store adapters used by the coordinator.
// A Store performs single atomic operations only: create-if-absent with a
// lease, compare-and-delete by owner token, and read-only inspection. Waiting,
// retrying and circuit breaking live in the layers above.
package lock
