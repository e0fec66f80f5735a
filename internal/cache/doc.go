// Package cache provides the bounded, access-ordered cache the engine uses
// for loaded programs and the kernels built from them.
//
// Entries are created at most once per key even under concurrent lookup.
// When the cache grows past its soft limit the least recently used quarter
// is evicted, and an eviction callback lets owners release device objects.
package cache
