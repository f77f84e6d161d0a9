// Package cache defines the partition store behind the response cache manager.
// A Storage holds named partitions; each Partition maps a request identity
// (method + absolute URL) to an immutable Snapshot of the response captured at
// write time. Three backends are provided: an in-process map used by default
// and in tests, a disk layout under StoragePath/<partition>/, and a Redis
// layout shared between edge instances. Callers never mutate a Snapshot;
// refreshing an entry always means a new Put under the same key.
package cache
