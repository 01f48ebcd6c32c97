// Package gateway is the boundary to the Discord side of the system. The
// engine only ever sees the Client interface; the concrete implementation
// talks REST to the bot shim that owns the Discord session.
package gateway

import "context"

// Member is a point-in-time snapshot of a guild member. The engine fetches
// it once per sync and runs the whole diff against that snapshot.
type Member struct {
	DiscordID           string
	Username            string
	Nickname            string
	RoleIDs             []string
	HighestRolePosition int
	IsOwner             bool
}

// HasRoleID reports whether the member currently holds a role.
func (m Member) HasRoleID(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// Self describes the bot's own standing in a guild: what it may write and
// where it sits in the role hierarchy.
type Self struct {
	CanManageRoles      bool
	CanManageNicknames  bool
	HighestRolePosition int
}

// Role is one guild role.
type Role struct {
	ID       string
	Name     string
	Position int
}

// Client is the full Discord-side operation set the engine consumes.
type Client interface {
	// GetMember returns the member snapshot, or ErrMemberNotPresent when
	// the account is not in the guild.
	GetMember(ctx context.Context, guildID, discordID string) (Member, error)
	// GetSelf returns the bot's own capabilities in the guild.
	GetSelf(ctx context.Context, guildID string) (Self, error)
	// ListRoles returns the guild's role set.
	ListRoles(ctx context.Context, guildID string) ([]Role, error)
	// AddRole grants a role to a member. Idempotent.
	AddRole(ctx context.Context, guildID, discordID, roleID string) error
	// RemoveRole revokes a role from a member. Idempotent.
	RemoveRole(ctx context.Context, guildID, discordID, roleID string) error
	// SetNickname replaces a member's nickname.
	SetNickname(ctx context.Context, guildID, discordID, nickname string) error
	// SendChannelMessage posts a plain message to a channel.
	SendChannelMessage(ctx context.Context, channelID, content string) error
}
