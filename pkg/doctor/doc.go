/*
Package doctor implements the self-healing loop for the fleet.

Each cycle the doctor takes a snapshot of the fleet (node records, dead
jobs, queue summary), runs a set of detectors over it, and replaces the
stored problem set wholesale. Problems that qualify for automatic
remediation are diagnosed, and the recommended actions are executed
against the control plane's own maintenance endpoints. Everything else
escalates to the alerts channel for an operator.

# Cycle Pipeline

	snapshot -> detect -> diff/announce -> per problem:
	    auto-fix enabled?  -> no:  escalate
	    node in cooldown?  -> yes: skip
	    hourly budget left? -> no:  rate_limited event
	    diagnose (LLM, static fallback)
	    execute actions within configured risk levels
	    record history, start cooldown

# Safety Gates

Remediation is bounded three ways:

  - Risk levels: only actions whose risk is in AutoFixLevels run;
    blocked actions escalate instead.
  - Per-node cooldown: after a real action on a node, further fixes on
    that node wait out CooldownMinutes. The cooldown is a TTL key, so
    it survives process restarts.
  - Hourly budget: a sorted set of action timestamps enforces at most
    MaxActionsPerHour real actions over any rolling hour.

alert_only is exempt from all three counters; alerting is always safe.

# Diagnosis

The LLM client (Ollama, JSON mode) is asked for a structured diagnosis
listing recommended actions from the known catalogue. Unknown actions
in the reply are dropped. When the oracle is unreachable or returns
garbage, a static fallback table keyed by problem type supplies the
conservative default, so the loop never depends on the LLM being up.

# Events

The doctor publishes problem_detected, diagnosis_complete,
action_completed, action_failed, escalation, and rate_limited on the
fleet:doctor:events channel; operator dashboards bridge it over
WebSocket.
*/
package doctor
