package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rankbridge/rankbridge/internal/errs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Config describes the dependencies for the persistence layer.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store owns all reads and writes for linked accounts, pending verifications
// and guild rank records. No other package touches these tables directly.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// New constructs the store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// GetLinkedAccountByDiscord returns the link for a Discord account, or nil
// when none exists.
func (s *Store) GetLinkedAccountByDiscord(discordID string) (*LinkedAccount, error) {
	var account LinkedAccount
	err := s.db.Where("discord_id = ?", discordID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get linked account: %w", err)
	}
	return &account, nil
}

// GetLinkedAccountByRoblox returns the link claiming a Roblox account, or nil
// when the Roblox account is unclaimed.
func (s *Store) GetLinkedAccountByRoblox(robloxID string) (*LinkedAccount, error) {
	var account LinkedAccount
	err := s.db.Where("roblox_id = ?", robloxID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get linked account by roblox id: %w", err)
	}
	return &account, nil
}

// DeleteLinkedAccount removes the link and cascades to every guild rank row
// and any stray pending verification for the same Discord account.
func (s *Store) DeleteLinkedAccount(discordID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("discord_id = ?", discordID).Delete(&LinkedAccount{}).Error; err != nil {
			return err
		}
		if err := tx.Where("discord_id = ?", discordID).Delete(&GuildRank{}).Error; err != nil {
			return err
		}
		return tx.Where("discord_id = ?", discordID).Delete(&PendingVerification{}).Error
	})
	if err != nil {
		return fmt.Errorf("store: delete linked account: %w", err)
	}
	return nil
}

// GetPendingVerification returns the pending challenge for a Discord account,
// or nil when none exists.
func (s *Store) GetPendingVerification(discordID string) (*PendingVerification, error) {
	var pending PendingVerification
	err := s.db.Where("discord_id = ?", discordID).First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pending verification: %w", err)
	}
	return &pending, nil
}

// PutPendingVerification stores a challenge, replacing any prior one for the
// same Discord account.
func (s *Store) PutPendingVerification(discordID, robloxID, robloxUsername, challengeCode string) error {
	pending := PendingVerification{
		DiscordID:        discordID,
		RobloxID:         robloxID,
		RobloxUsername:   robloxUsername,
		ChallengeCode:    challengeCode,
		CreatedAtSeconds: s.clock().Unix(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "discord_id"}},
		UpdateAll: true,
	}).Create(&pending).Error
	if err != nil {
		return fmt.Errorf("store: put pending verification: %w", err)
	}
	return nil
}

// DeletePendingVerification removes a challenge. Deleting an absent row is
// not an error.
func (s *Store) DeletePendingVerification(discordID string) error {
	if err := s.db.Where("discord_id = ?", discordID).Delete(&PendingVerification{}).Error; err != nil {
		return fmt.Errorf("store: delete pending verification: %w", err)
	}
	return nil
}

// PurgeExpiredPending bulk-deletes challenges older than the TTL.
func (s *Store) PurgeExpiredPending(ttl time.Duration) (int64, error) {
	cutoff := s.clock().Add(-ttl).Unix()
	result := s.db.Where("created_at_s < ?", cutoff).Delete(&PendingVerification{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: purge expired pending: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PromotePendingToLinked atomically deletes the pending challenge and writes
// the linked account it matured into. Any existing link for the same Discord
// account is replaced in the same transaction (the relink path). The Roblox
// claim is re-checked inside the transaction: another Discord account may
// have linked the same Roblox account while the challenge sat pending.
func (s *Store) PromotePendingToLinked(discordID string) (*LinkedAccount, error) {
	var account LinkedAccount
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var pending PendingVerification
		if err := tx.Where("discord_id = ?", discordID).First(&pending).Error; err != nil {
			return err
		}

		var claimant LinkedAccount
		err := tx.Where("roblox_id = ? AND discord_id <> ?", pending.RobloxID, discordID).First(&claimant).Error
		if err == nil {
			return fmt.Errorf("%w: roblox user %s", errs.ErrRemoteAlreadyClaimed, pending.RobloxUsername)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		account = LinkedAccount{
			DiscordID:       pending.DiscordID,
			RobloxID:        pending.RobloxID,
			RobloxUsername:  pending.RobloxUsername,
			LinkedAtSeconds: s.clock().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "discord_id"}},
			UpdateAll: true,
		}).Create(&account).Error; err != nil {
			return err
		}
		return tx.Where("discord_id = ?", discordID).Delete(&PendingVerification{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: promote pending to linked: %w", err)
	}
	return &account, nil
}

// GetGuildRank returns the stored rank record for (discord, guild), or nil
// when the account has never synced in that guild.
func (s *Store) GetGuildRank(discordID, guildID string) (*GuildRank, error) {
	var record GuildRank
	err := s.db.Where("discord_id = ? AND guild_id = ?", discordID, guildID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get guild rank: %w", err)
	}
	return &record, nil
}

// UpsertGuildRank overwrites the rank record for (discord, guild). A sweep
// and an on-demand sync for the same account may race here; both write a
// rank fetched moments earlier, so last-write-wins is benign.
func (s *Store) UpsertGuildRank(discordID, guildID string, rank int64) error {
	record := GuildRank{
		DiscordID:           discordID,
		GuildID:             guildID,
		LastKnownRank:       rank,
		LastSyncedAtSeconds: s.clock().Unix(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "discord_id"}, {Name: "guild_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("store: upsert guild rank: %w", err)
	}
	return nil
}

// CreateLinkedAccount inserts a brand new link with the current time.
func (s *Store) CreateLinkedAccount(discordID, robloxID, robloxUsername string) (*LinkedAccount, error) {
	account := LinkedAccount{
		DiscordID:       discordID,
		RobloxID:        robloxID,
		RobloxUsername:  robloxUsername,
		LinkedAtSeconds: s.clock().Unix(),
	}
	if err := s.db.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("store: create linked account: %w", err)
	}
	return &account, nil
}

// ListLinkedAccountsWithGuildRank enumerates every linked account, joined
// with the guild's rank record when one exists. The caller filters by actual
// guild membership; the join alone cannot know who is present.
func (s *Store) ListLinkedAccountsWithGuildRank(guildID string) ([]LinkedAccountWithRank, error) {
	type joinedRow struct {
		DiscordID       string
		RobloxID        string
		RobloxUsername  string
		LinkedAtSeconds int64
		LastKnownRank   *int64
	}

	var rows []joinedRow
	err := s.db.Table("linked_accounts").
		Select("linked_accounts.discord_id, linked_accounts.roblox_id, linked_accounts.roblox_username, linked_accounts.linked_at_s AS linked_at_seconds, guild_ranks.last_known_rank").
		Joins("LEFT JOIN guild_ranks ON guild_ranks.discord_id = linked_accounts.discord_id AND guild_ranks.guild_id = ?", guildID).
		Order("linked_accounts.discord_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list linked accounts: %w", err)
	}

	accounts := make([]LinkedAccountWithRank, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, LinkedAccountWithRank{
			LinkedAccount: LinkedAccount{
				DiscordID:       row.DiscordID,
				RobloxID:        row.RobloxID,
				RobloxUsername:  row.RobloxUsername,
				LinkedAtSeconds: row.LinkedAtSeconds,
			},
			LastKnownRank: row.LastKnownRank,
		})
	}
	return accounts, nil
}

// CountStats reports row counts for the status endpoint.
func (s *Store) CountStats() (Stats, error) {
	var stats Stats
	if err := s.db.Model(&LinkedAccount{}).Count(&stats.LinkedAccounts).Error; err != nil {
		return Stats{}, fmt.Errorf("store: count stats: %w", err)
	}
	if err := s.db.Model(&PendingVerification{}).Count(&stats.PendingVerifications).Error; err != nil {
		return Stats{}, fmt.Errorf("store: count stats: %w", err)
	}
	if err := s.db.Model(&GuildRank{}).Count(&stats.GuildRankEntries).Error; err != nil {
		return Stats{}, fmt.Errorf("store: count stats: %w", err)
	}
	return stats, nil
}
