package event

import "github.com/google/uuid"

// TargetKind discriminates the addressing mode of a dispatch, replacing a
// class hierarchy with a closed, exhaustively-matched tagged union.
type TargetKind int8

const (
	TargetUser TargetKind = iota + 1
	TargetUsers
	TargetBroadcast
	TargetChannel
	TargetChannels
)

// Target carries no delivery state of its own; it is paired with an Event
// at dispatch time to describe who should receive it. TenantID scopes
// Channel/Channels (and, when set, Broadcast) lookups to one tenant's
// namespace; an empty TenantID resolves to registry.DefaultTenant at the
// registry boundary.
type Target struct {
	Kind     TargetKind
	TenantID string
	UserID   uuid.UUID
	UserIDs  []uuid.UUID
	Channel  string
	Channels []string
}

func ForUser(tenantID string, id uuid.UUID) Target {
	return Target{Kind: TargetUser, TenantID: tenantID, UserID: id}
}
func ForUsers(tenantID string, ids []uuid.UUID) Target {
	return Target{Kind: TargetUsers, TenantID: tenantID, UserIDs: ids}
}
func ForBroadcast(tenantID string) Target {
	return Target{Kind: TargetBroadcast, TenantID: tenantID}
}
func ForChannel(tenantID, name string) Target {
	return Target{Kind: TargetChannel, TenantID: tenantID, Channel: name}
}
func ForChannels(tenantID string, names []string) Target {
	return Target{Kind: TargetChannels, TenantID: tenantID, Channels: names}
}

func (t TargetKind) String() string {
	switch t {
	case TargetUser:
		return "user"
	case TargetUsers:
		return "users"
	case TargetBroadcast:
		return "broadcast"
	case TargetChannel:
		return "channel"
	case TargetChannels:
		return "channels"
	default:
		return "unknown"
	}
}
