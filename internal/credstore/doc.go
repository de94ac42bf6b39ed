// Package credstore persists the access/refresh credential pair used by the
// API client.
//
// A Store always holds either a complete Pair or nothing. Every backend keeps
// the pair as a single value so concurrent readers never observe a pair that
// is half written:
//
//	store := credstore.NewMemoryStore()
//	_ = store.Set(ctx, credstore.Pair{AccessToken: "A1", RefreshToken: "R1"})
//	pair, ok, err := store.Get(ctx)
//
// Backends: MemoryStore (process local), FileStore (JSON file), KeyringStore
// (OS keyring), RedisStore (shared between processes) and NewEnvStore (seeded
// from environment variables, in-memory afterwards).
package credstore
