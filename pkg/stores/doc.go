// Package stores provides persistence layer implementations for flowgraph.
// It includes SQLite-based storage with WAL mode and embedded migrations
// for node output cache entries, workflow runs and their events. The
// redisstore subpackage provides a Redis cache backend.
package stores
