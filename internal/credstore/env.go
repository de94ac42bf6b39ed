package credstore

import "os"

// Environment variables read by NewEnvStore.
const (
	EnvAccessToken  = "LICENSECTL_ACCESS_TOKEN"
	EnvRefreshToken = "LICENSECTL_REFRESH_TOKEN"
)

// NewEnvStore returns a MemoryStore seeded from EnvAccessToken and
// EnvRefreshToken. The environment itself is never written: refreshed
// credentials live in memory for the lifetime of the process.
//
// A nil lookup defaults to os.LookupEnv. If only one of the variables is set,
// the store starts empty.
func NewEnvStore(lookup func(string) (string, bool)) *MemoryStore {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	store := NewMemoryStore()
	access, _ := lookup(EnvAccessToken)
	refresh, _ := lookup(EnvRefreshToken)

	pair := Pair{AccessToken: access, RefreshToken: refresh}
	if pair.Validate() == nil {
		store.pair, store.set = pair, true
	}
	return store
}
