/*
Package vision implements model-aware scheduling for image generation.

Loading a diffusion model into GPU memory takes minutes; running a job
on a worker that already has the model resident takes seconds. The
scheduler therefore routes each job to a worker whose current_model
matches, and only when none exists does it pick the least-loaded
available worker and trigger a model swap first.

A single dispatcher goroutine owns the queue, which makes worker
selection race-free without locks: it pops the best pending job
(priority, then age), selects a worker, swaps if needed, and dispatches
the generation call on a per-job goroutine so one slow render never
stalls routing.

Worker liveness is heartbeat-driven: a vision worker heartbeats every
10 seconds and is considered offline after 30 seconds of silence. Stale
workers are marked offline, their job slot is cleared, and an alert is
published.

Swaps are confirmed by observation, not by the swap call returning: the
dispatcher polls the worker's node record until a heartbeat reports the
target model resident, with a hard timeout that fails the job and takes
the worker offline.
*/
package vision
