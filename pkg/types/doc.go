/*
Package types defines the core data structures used throughout Corral.

This package contains the fundamental types that represent Corral's domain
model: worker nodes and their telemetry, jobs and their lifecycle, fleet
problems detected by the doctor, and the event envelope carried on pub/sub
channels. These types are used by all other packages for state management,
API payloads, and orchestration logic.

# Core Types

Fleet topology:
  - Registration: a worker's self-description submitted once at startup
  - Heartbeat: the periodic telemetry report (GPUs, system stats, power,
    containers, swarm state)
  - Node: the merged view of registration plus latest heartbeat, with a
    status derived from heartbeat freshness
  - NodeStatus: online, busy, switching, offline

Job lifecycle:
  - Job: a unit of work flowing through the priority queue
  - JobPriority: high, normal, low
  - JobStatus: queued, processing, completed, failed, dead, cancelled

Fleet health:
  - Problem: a condition detected by a doctor cycle, with severity,
    risk level, and an auto-fixable flag
  - Severity: info, warning, critical

Events:
  - EventEnvelope: the typed payload published on every pub/sub channel

# Design Principles

All types are JSON-serializable and stored as-is in the state store.
Status fields use string enums with validation helpers (JobPriority.Valid,
JobStatus.Terminal) rather than iota constants, so records survive being
read back by older or newer builds.

Job status transitions follow a strict machine:

	queued -> processing -> completed
	                     -> queued (retry remaining)
	                     -> dead   (retries exhausted)
	any pre-terminal     -> cancelled
	failed/dead          -> queued (operator retry)

Timestamps that may be absent (StartedAt, CompletedAt) are pointers;
zero-value times are never written.
*/
package types
