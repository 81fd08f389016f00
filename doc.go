// Package haul is a broadcast matching and lifecycle engine for truck
// logistics. A customer asks for N trucks of a vehicle type; haul broadcasts
// the request to nearby online transporters over progressively wider radii,
// arbitrates exactly one winner per truck slot, and drives every request to
// a terminal outcome (fully filled, cancelled or expired).
//
// Haul is designed to run as many stateless replicas. All coordination state
// lives in a shared transactional store (Postgres) and a shared cache
// (Redis): timers, leases, presence and dedup sets are externalized, and
// every state change is a conditional write.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithBroadcastStore(pgStore),
//	    engine.WithEphemeralStore(redisStore),
//	    engine.WithSink(kafkaSink),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//
// # Architecture
//
// Each subsystem (broadcast, presence, discovery, timer, lease, lifecycle,
// archive) defines its own store interface. The durable side is implemented
// by store/postgres and the ephemeral side by store/redis; store/memory
// implements both for tests.
//
// Entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based identifiers.
package haul
