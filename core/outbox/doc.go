// Package outbox implements the transactional outbox.
//
// Entries are written by the event store in the same unit of work as the
// events they are derived from, so a committed state change always has its
// messages scheduled and a rolled back one never does. A Relay later claims
// pending entries, publishes them to a transport.Publisher and marks them
// published. Delivery is at-least-once: a relay that crashes between
// publishing and marking leaves the entry to be published again once its
// lease expires. Failed deliveries stay pending and are retried with
// exponential backoff.
package outbox
