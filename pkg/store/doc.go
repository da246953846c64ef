/*
Package store provides the shared-state layer for the control plane.

All mutable fleet state (node heartbeats, job records, queue lists, doctor
problems, scaler state) lives behind the Store interface, backed by Redis
in production. The contract is deliberately narrow: per-key linearizability
from the server, last-writer-wins between writers, no cross-key
transactions. Mutual exclusion between control-plane tasks, where needed,
is achieved by single-threading the owning task rather than by distributed
locking.

Keys follow a documented naming scheme:

	node:{id}:heartbeat      TTL-bounded heartbeat record
	node:{id}:registration   registration descriptor
	node:{id}:power_history  capped ring of power samples
	nodes:active             set of node ids with recent heartbeats
	job:{id}                 full job record, 7 day TTL
	queue:high|normal|low    FIFO priority lists
	queue:processing         set of claimed job ids
	fleet:doctor:*           doctor status, problems, history, config
	vision:*                 vision scheduler state
	scaling:*                auto-scaler config, state, history

Pub/sub channels carry EventEnvelope JSON and are best-effort: a message
published while a subscriber is disconnected is lost, and consumers are
expected to reconcile via queries on reconnect.
*/
package store
