package infra

import "fmt"

// RedisNamespace isolates this project's keys from anything else sharing
// the Redis instance.
const RedisNamespace = "wmag"

const (
	// RedisKeyRegistryReloadLock names a lock key for registry reloads. No
	// code in this module takes or checks it; PUT /registry does not lock.
	RedisKeyRegistryReloadLock = RedisNamespace + ":lock:registry:reload"
)

// RateLimitKeyPrefix returns the namespaced prefix ratelimit.Key builds
// its fixed-window counter keys under.
func RateLimitKeyPrefix() string {
	return fmt.Sprintf("%s:ratelimit", RedisNamespace)
}
