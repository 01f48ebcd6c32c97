// Package audit records rank transitions: one durable row per change plus a
// best-effort message to the guild's configured logging channel.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("audit: database handle is required")

// RankChangeRecord is the persisted audit trail entry for one rank change.
type RankChangeRecord struct {
	RecordID          string `gorm:"column:record_id;primaryKey;size:36;not null"`
	GuildID           string `gorm:"column:guild_id;size:32;not null;index:idx_rank_changes_guild_time,priority:1"`
	DiscordID         string `gorm:"column:discord_id;size:32;not null"`
	RobloxUsername    string `gorm:"column:roblox_username;size:64;not null"`
	PreviousRank      int64  `gorm:"column:previous_rank;not null"`
	NewRank           int64  `gorm:"column:new_rank;not null"`
	RoleLabel         string `gorm:"column:role_label;size:100;not null"`
	ActorID           string `gorm:"column:actor_id;size:32;not null;default:''"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index:idx_rank_changes_guild_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (RankChangeRecord) TableName() string {
	return "rank_changes"
}

// Change describes one observed rank transition. ActorID is empty for
// background sweeps and carries the requesting admin for manual syncs.
type Change struct {
	GuildID        string
	DiscordID      string
	RobloxUsername string
	PreviousRank   int64
	NewRank        int64
	RoleLabel      string
	ActorID        string
}

// ChannelNotifier delivers a change notice to a guild channel.
type ChannelNotifier interface {
	SendChannelMessage(ctx context.Context, channelID, content string) error
}

// RecorderConfig describes the dependencies for the audit recorder.
type RecorderConfig struct {
	Database *gorm.DB
	Notifier ChannelNotifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Recorder persists rank changes and mirrors them to the configured channel.
type Recorder struct {
	db       *gorm.DB
	notifier ChannelNotifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewRecorder constructs the audit recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:       cfg.Database,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Record writes the durable row and, when channelID is set, posts the notice.
// Notification failures are logged and never propagate: audit delivery must
// not fail the sync that produced it.
func (r *Recorder) Record(ctx context.Context, channelID string, change Change) error {
	recordID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: new record id: %w", err)
	}

	row := RankChangeRecord{
		RecordID:          recordID.String(),
		GuildID:           change.GuildID,
		DiscordID:         change.DiscordID,
		RobloxUsername:    change.RobloxUsername,
		PreviousRank:      change.PreviousRank,
		NewRank:           change.NewRank,
		RoleLabel:         change.RoleLabel,
		ActorID:           change.ActorID,
		RecordedAtSeconds: r.clock().Unix(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit: persist rank change: %w", err)
	}

	if channelID != "" && r.notifier != nil {
		message := formatNotice(change)
		if err := r.notifier.SendChannelMessage(ctx, channelID, message); err != nil {
			r.logger.Warn("audit channel notification failed",
				zap.String("guild_id", change.GuildID),
				zap.String("channel_id", channelID),
				zap.Error(err))
		}
	}
	return nil
}

// ListRecent returns up to limit recent changes for a guild, newest first.
func (r *Recorder) ListRecent(guildID string, limit int) ([]RankChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RankChangeRecord
	err := r.db.
		Where("guild_id = ?", guildID).
		Order("recorded_at_s DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list recent: %w", err)
	}
	return rows, nil
}

func formatNotice(change Change) string {
	direction := "promoted"
	if change.NewRank < change.PreviousRank {
		direction = "demoted"
	}
	notice := fmt.Sprintf("Rank changed: %s (%s) %s from %d to %d (%s)",
		change.RobloxUsername, change.DiscordID, direction,
		change.PreviousRank, change.NewRank, change.RoleLabel)
	if change.ActorID != "" {
		notice += fmt.Sprintf(" [requested by %s]", change.ActorID)
	}
	return notice
}
