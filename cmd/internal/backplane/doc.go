// Package backplane tracks which users and clients are connected to which
// process instance, routes events and peer-signaling messages across the
// cluster, and forcibly disconnects users on logout.
//
// Each process keeps a local registry of its own live connections and mirrors
// liveness into a shared document store, where every mutation is a single
// atomic increment/push/pull so that concurrent nodes never race a
// read-modify-write cycle. Processes talk to each other over exactly one
// logical connection per node pair, established on demand with a randomized
// collision-resolution handshake.
package backplane
