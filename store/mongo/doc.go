// Package mongo implements store.Store on MongoDB using the official Go
// driver (v2). Claims use FindOneAndUpdate with a claim-order sort, and
// every transition is a FindOneAndUpdate whose filter carries the expected
// source status, so each document changes state at most once per race.
//
// A partial unique index over pending exclusive jobs enforces one pending
// job per user; it needs MongoDB 6.0 or newer for $in in the filter.
//
// The caller owns the client lifecycle:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	store := mongo.New(client.Database("renderq"))
//	store.Migrate(ctx)
package mongo
