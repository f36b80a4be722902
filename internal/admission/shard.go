package admission

// shardCount partitions per-user state so unrelated users never contend on
// the same lock. Must be a power of two.
const shardCount = 32

func shardIndex(userID int64) int {
	return int(uint64(userID) & (shardCount - 1))
}
