/*
Package events publishes typed state-change events to named channels.

Delivery is best-effort pub/sub: publish errors are logged and never
propagated, because no state transition may fail on account of an
observer. Channel names are defined here so producers and the
WebSocket bridges agree on them.
*/
package events
