/*
Package api exposes the control plane over HTTP and WebSocket.

Handlers are deliberately thin: parse the request, delegate to the
owning component (registry, queue, vision scheduler, doctor, scaler),
and map component sentinel errors onto HTTP status codes. No business
logic lives here.

Route groups:

	/nodes/*            worker registration, heartbeats, queries
	/queue/*, /claim    job submission and the worker pull protocol
	/vision/*           image generation and model switching
	/api/doctor/*       doctor status, problems, history, config
	/api/scaler/*       scaler state, history, config
	/api/maintenance/*  remediation surface targeted by the doctor
	/ws/*               event stream bridges
	/metrics            Prometheus exposition

The maintenance endpoints relay shell commands to node agents through
the command dispatcher; they exist so the doctor's executor has a
single HTTP surface to act through, identical to what an operator can
invoke by hand.

WebSocket bridges pipe pub/sub channels to clients verbatim. Delivery
is best-effort: a reconnecting client reconciles through the query
endpoints. Clients may send the text "ping" and receive {"type":"pong"}
on any bridge.
*/
package api
