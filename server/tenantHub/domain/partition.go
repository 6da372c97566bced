package domain

import "github.com/cespare/xxhash/v2"

// Partition maps a tenant onto one of n log partitions. The result depends
// only on the tenant id and n.
func Partition(tenantID string, n int32) int32 {
	if n <= 0 {
		return 0
	}
	return int32(xxhash.Sum64String(tenantID) % uint64(n))
}
