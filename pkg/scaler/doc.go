/*
Package scaler emits scale-up and scale-down recommendations.

The scaler only recommends; provisioning is external. Each evaluation
reads queue depth and GPU utilization, applies a conservative decision
table (scale up needs pressure on both signals, scale down needs slack
on both plus a genuinely idle node), and respects a cooldown between
recommendations so a burst cannot flap the fleet.
*/
package scaler
