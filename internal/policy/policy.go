// Package policy holds the per-guild configuration snapshot: which Roblox
// group a guild tracks, how ranks map to roles and nicknames, and the sync
// toggles. Snapshots are immutable; Reload replaces the whole set at once.
package policy

import "sort"

const (
	// NicknameFormatRankPrefix derives the prefix from the matched rank
	// mapping.
	NicknameFormatRankPrefix = "rank_prefix"
	// NicknameFormatCustom applies one static prefix for the whole guild.
	NicknameFormatCustom = "custom"

	defaultSyncIntervalMinutes = 30
)

// RankMapping binds a rank threshold to a guild role. A rank resolves to
// the mapping with the greatest threshold not exceeding it; thresholds need
// not be contiguous.
type RankMapping struct {
	Threshold      int64
	RoleName       string
	NicknamePrefix string
}

// SyncSettings are the per-guild sync toggles.
type SyncSettings struct {
	SyncOnJoin            bool
	SyncOnVerify          bool
	BackgroundSyncEnabled bool
	SyncIntervalMinutes   int
}

// GuildPolicy is one guild's complete configuration.
type GuildPolicy struct {
	GuildID              string
	GuildName            string
	RobloxGroupID        string
	RankMappings         []RankMapping // sorted ascending by threshold
	NicknameFormat       string
	CustomNicknamePrefix string
	LoggingChannelID     string
	StaffRoleNames       []string
	Sync                 SyncSettings
}

// MappingFor resolves the rank mapping for a rank, or false when no
// configured threshold covers it.
func (p GuildPolicy) MappingFor(rank int64) (RankMapping, bool) {
	// Mappings are sorted ascending; find the last threshold <= rank.
	idx := sort.Search(len(p.RankMappings), func(i int) bool {
		return p.RankMappings[i].Threshold > rank
	})
	if idx == 0 {
		return RankMapping{}, false
	}
	return p.RankMappings[idx-1], true
}

// ManagedRoleNames returns the deduplicated set of role names the diff
// algorithm may add or remove in this guild, minus staff overrides.
func (p GuildPolicy) ManagedRoleNames() []string {
	staff := make(map[string]bool, len(p.StaffRoleNames))
	for _, name := range p.StaffRoleNames {
		staff[name] = true
	}

	seen := make(map[string]bool, len(p.RankMappings))
	names := make([]string, 0, len(p.RankMappings))
	for _, mapping := range p.RankMappings {
		if seen[mapping.RoleName] || staff[mapping.RoleName] {
			continue
		}
		seen[mapping.RoleName] = true
		names = append(names, mapping.RoleName)
	}
	return names
}

// NicknamePrefix resolves the prefix for a rank: an explicit static prefix
// wins, else the matched mapping's prefix, else empty.
func (p GuildPolicy) NicknamePrefix(rank int64) string {
	if p.NicknameFormat == NicknameFormatCustom && p.CustomNicknamePrefix != "" {
		return p.CustomNicknamePrefix
	}
	if mapping, ok := p.MappingFor(rank); ok {
		return mapping.NicknamePrefix
	}
	return ""
}

// FormatNickname builds the desired nickname for a member.
func (p GuildPolicy) FormatNickname(robloxUsername string, rank int64) string {
	return p.NicknamePrefix(rank) + robloxUsername
}
