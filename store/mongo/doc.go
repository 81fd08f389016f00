// Package mongo implements store.Archive on MongoDB. Summaries are written
// once per terminal request with an upsert keyed by request id, so the
// archive can live outside the transactional database and scale on its
// own.
//
// The caller owns the *mongo.Database lifecycle; the store never
// disconnects it:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	archive := mongo.New(client.Database("haul"))
//	archive.Migrate(ctx)
package mongo
