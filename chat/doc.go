// Package chat contains the multi-tenant live chat connection pool.
//
// It provides three cooperating pieces:
//   - Session: the per-tenant state machine that owns one upstream chat stream,
//     its running statistics, a bounded message history and the checkpointing
//     of those statistics into a durable recording.
//   - Pool: the registry mapping tenants to sessions. It guarantees at most one
//     session per tenant, reclaims idle sessions on an interval and aggregates
//     pool-wide statistics.
//   - Scheduler: the auto-watch loop. Tenants that registered a channel are
//     probed for liveness on an interval and ingestion starts automatically
//     when a broadcast is detected.
//
// Upstream chat services plug in through the Provider and Stream interfaces;
// durable state goes through Store. Sessions publish lifecycle, message and
// statistics events on the Pool's event channel, which the fanout package
// routes to subscriber groups.
package chat
