/*
Package registry maintains the authoritative live-node set.

Liveness is derived, never tracked: a node is online iff its heartbeat
key still exists, and the key carries a TTL equal to the liveness
window. There is no reaper; readers that find an active-set member
without a heartbeat lazily remove it.
*/
package registry
