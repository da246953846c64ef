/*
Package queue implements the three-tier priority job queue.

Jobs are submitted into one of three FIFO lists (high, normal, low) and
pulled by workers via Claim, which scans tiers strictly in priority
order. A popped job whose target filters do not match the claiming
worker is pushed back to the tail of its own tier, so targeted jobs
never block other workers from draining the queue.

Completion with an error re-queues the job until its retry budget is
exhausted, at which point it goes to dead and counts as failed. An
operator Retry resurrects a failed or dead job with a fresh budget.

At any moment a job is in exactly one place: one priority list, the
processing set, or a terminal status. All stats (depths, totals, the
5-minute completion rate) derive from store counters and a capped
completion history list.

Callbacks are fire-and-forget: a callback_url is invoked once on
successful completion, failures are logged and never retried.
*/
package queue
