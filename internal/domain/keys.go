package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	GlobalBucket          = "global"
	UnauthenticatedBucket = "unauthenticated-global"
	anonymousTenant       = "unauthenticated"
)

// HashKey is the form of a tenant key that may appear in logs, cache keys
// and pub/sub payloads.
func HashKey(tenantKey string) string {
	if tenantKey == "" {
		return anonymousTenant
	}
	sum := sha256.Sum256([]byte(tenantKey))
	return hex.EncodeToString(sum[:])
}

// BucketKey names the rate-limit bucket a request against e draws from.
func BucketKey(e Endpoint, tenantKey string, globalCredential bool) string {
	d, _ := e.Describe()
	global := GlobalBucket
	if !globalCredential {
		global = UnauthenticatedBucket
	}
	if tenantKey == "" || d.Scope == ScopeGlobal {
		return global
	}
	if d.Scope == ScopeTenant {
		return "command-" + HashKey(tenantKey)
	}
	if globalCredential {
		return global
	}
	return "tenant-" + HashKey(tenantKey)
}
