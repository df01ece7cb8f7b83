// Package lock implements an expiry-based lease lock on top of the store's
// compare-and-exchange primitive. Acquisition creates a lease record under
// the resource key; an expired record can be taken over by any other
// acquirer without cooperation from the previous holder. The exchange index
// of the record doubles as the lock token, so a release against a reclaimed
// lease fails loudly instead of deleting someone else's lock.
package lock
