package registry

import "regexp"

// channelNamePattern enforces the 1-64 character, [A-Za-z0-9._-] contract
// on subscription names (spec §3 "Channel subscription", §8 invariant 8).
var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidChannelName reports whether name satisfies the subscription-name
// contract. Validation happens before namespacing, on the caller-supplied
// bare name.
func ValidChannelName(name string) bool {
	return channelNamePattern.MatchString(name)
}

// namespace applies the per-tenant prefix that keeps channel names from
// colliding across tenants. The namespacing is invisible to the subscriber:
// Subscribe/Unsubscribe accept and echo back bare names; only the internal
// channel index stores the namespaced form.
func namespace(tenantID, name string) string {
	return tenantID + ":" + name
}
