package store

// LinkedAccount is the bijective mapping between one Discord account and one
// Roblox account. Verification is bot-wide: a single row covers every guild.
type LinkedAccount struct {
	DiscordID       string `gorm:"column:discord_id;primaryKey;size:32;not null"`
	RobloxID        string `gorm:"column:roblox_id;size:32;not null;uniqueIndex:idx_linked_roblox_id"`
	RobloxUsername  string `gorm:"column:roblox_username;size:64;not null"`
	LinkedAtSeconds int64  `gorm:"column:linked_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LinkedAccount) TableName() string {
	return "linked_accounts"
}

// PendingVerification is a time-boxed challenge awaiting profile confirmation.
// At most one per Discord account; a new request supersedes the old row.
type PendingVerification struct {
	DiscordID        string `gorm:"column:discord_id;primaryKey;size:32;not null"`
	RobloxID         string `gorm:"column:roblox_id;size:32;not null;index:idx_pending_roblox_id"`
	RobloxUsername   string `gorm:"column:roblox_username;size:64;not null"`
	ChallengeCode    string `gorm:"column:challenge_code;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingVerification) TableName() string {
	return "pending_verifications"
}

// GuildRank tracks the last rank observed for a linked account in one guild.
type GuildRank struct {
	DiscordID           string `gorm:"column:discord_id;primaryKey;size:32;not null"`
	GuildID             string `gorm:"column:guild_id;primaryKey;size:32;not null;index:idx_guild_ranks_guild"`
	LastKnownRank       int64  `gorm:"column:last_known_rank;not null"`
	LastSyncedAtSeconds int64  `gorm:"column:last_synced_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GuildRank) TableName() string {
	return "guild_ranks"
}

// LinkedAccountWithRank joins a linked account with its rank record for one
// guild. Rank fields are nil when the account has never synced there.
type LinkedAccountWithRank struct {
	LinkedAccount
	LastKnownRank *int64
}

// Stats summarizes row counts for the status surface.
type Stats struct {
	LinkedAccounts       int64
	PendingVerifications int64
	GuildRankEntries     int64
}
