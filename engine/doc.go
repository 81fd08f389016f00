// Package engine wires every haul subsystem together and provides the
// application-level API for creating, accepting and cancelling broadcasts.
//
// The engine package exists to break a fundamental import cycle: the root
// haul package defines Config, the error taxonomy and Entity (imported by
// broadcast, timer, presence and the rest) and therefore cannot import those
// packages back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithDurable(pgStore),
//	    engine.WithEphemeral(redisStore),
//	    engine.WithArchive(bunStore),
//	    engine.WithSink(kafkaSink),
//	    engine.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(context.Background())
//
// # Broadcasts
//
//	res, err := eng.CreateBroadcast(ctx, lifecycle.CreateInput{
//	    CustomerID:   "cust_42",
//	    Pickup:       haul.Point{Lat: 12.97, Lon: 77.59},
//	    Drop:         haul.Point{Lat: 12.29, Lon: 76.63},
//	    Vehicle:      broadcast.VehicleSpec{Type: "open", Subtype: "17ft"},
//	    TrucksNeeded: 2,
//	})
//
//	out, err := eng.AcceptDemandUnit(ctx, acceptance.Input{...})
//
// Every replica runs the same timer pool and sweeper; they coordinate only
// through the durable and ephemeral stores.
//
// # Options
//
//   - [WithDurable] the transactional store (required)
//   - [WithEphemeral] the shared cache (required)
//   - [WithArchive] keep terminal summaries
//   - [WithSink] where outbound events go
//   - [WithVerifier] fleet eligibility check on accept
//   - [WithExtension] register a lifecycle extension
//   - [WithMiddleware] add a middleware to the timer handler chain
//   - [WithBackoff] set the retry backoff strategy
//   - [WithTracerProvider] set the OpenTelemetry tracer provider
//   - [WithMeterProvider] set the OpenTelemetry meter provider
package engine
