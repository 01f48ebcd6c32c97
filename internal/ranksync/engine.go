// Package ranksync reconciles guild-side state (roles, nickname) with the
// rank a linked account holds in the guild's Roblox group. The engine is
// stateless between calls: everything it needs arrives through the store,
// the policy snapshot, the Roblox client and the gateway.
package ranksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rankbridge/rankbridge/internal/audit"
	"github.com/rankbridge/rankbridge/internal/errs"
	"github.com/rankbridge/rankbridge/internal/gateway"
	"github.com/rankbridge/rankbridge/internal/policy"
	"github.com/rankbridge/rankbridge/internal/roblox"
	"github.com/rankbridge/rankbridge/internal/store"
	"go.uber.org/zap"
)

const defaultPacing = time.Second

var (
	errMissingStore    = errors.New("ranksync: store is required")
	errMissingPolicies = errors.New("ranksync: policy source is required")
	errMissingRoblox   = errors.New("ranksync: roblox client is required")
	errMissingGateway  = errors.New("ranksync: gateway client is required")
)

// PolicySource serves the current immutable policy snapshot.
type PolicySource interface {
	Get(guildID string) (policy.GuildPolicy, bool)
}

// RankFetcher is the slice of the Roblox client the engine needs.
type RankFetcher interface {
	GetUserRankInGroup(ctx context.Context, userID, groupID string) (roblox.GroupRank, error)
}

// ChangeRecorder persists and announces rank transitions.
type ChangeRecorder interface {
	Record(ctx context.Context, channelID string, change audit.Change) error
}

// Outcome reports what one sync observed and applied. On a failed sync the
// outcome still carries every sub-step that completed before the failure, so
// callers never lose track of writes already made.
type Outcome struct {
	Rank         int64
	RoleLabel    string
	RankChanged  bool
	PreviousRank *int64
	RolesUpdated bool
	// RolesSkipReason is set when the role step was not attempted (missing
	// privilege).
	RolesSkipReason string
	NicknameUpdated bool
	// NicknameSkipReason is set when the nickname step was not attempted
	// (missing privilege, guild owner, or hierarchy).
	NicknameSkipReason string
}

// MemberError pairs a failed identity with the reason.
type MemberError struct {
	DiscordID string
	Reason    string
}

// SweepResult aggregates one full pass over a guild's linked accounts.
type SweepResult struct {
	Total   int
	Synced  int
	Failed  int
	Skipped int
	Errors  []MemberError
}

// EngineConfig describes the dependencies for the reconciliation engine.
type EngineConfig struct {
	Store    *store.Store
	Policies PolicySource
	Roblox   RankFetcher
	Gateway  gateway.Client
	Recorder ChangeRecorder
	// Pacing is the fixed delay between identities within one sweep, on
	// top of the Roblox client's own throttling. Defaults to one second.
	Pacing time.Duration
	Logger *zap.Logger
}

// Engine computes and applies the minimal role/nickname diff for linked
// accounts.
type Engine struct {
	store    *store.Store
	policies PolicySource
	roblox   RankFetcher
	gateway  gateway.Client
	recorder ChangeRecorder
	pacing   time.Duration
	logger   *zap.Logger
}

// NewEngine constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Policies == nil {
		return nil, errMissingPolicies
	}
	if cfg.Roblox == nil {
		return nil, errMissingRoblox
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	pacing := cfg.Pacing
	if pacing <= 0 {
		pacing = defaultPacing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    cfg.Store,
		policies: cfg.Policies,
		roblox:   cfg.Roblox,
		gateway:  cfg.Gateway,
		recorder: cfg.Recorder,
		pacing:   pacing,
		logger:   logger,
	}, nil
}

// SyncMember reconciles one member of one guild. actorID identifies the
// admin behind a manual sync and is empty for background sweeps.
func (e *Engine) SyncMember(ctx context.Context, guildID, discordID, actorID string) (Outcome, error) {
	guildPolicy, ok := e.policies.Get(guildID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", errs.ErrGuildNotConfigured, guildID)
	}

	account, err := e.store.GetLinkedAccountByDiscord(discordID)
	if err != nil {
		return Outcome{}, err
	}
	if account == nil {
		return Outcome{}, errs.ErrNotVerified
	}

	member, err := e.gateway.GetMember(ctx, guildID, discordID)
	if err != nil {
		return Outcome{}, err
	}

	self, err := e.gateway.GetSelf(ctx, guildID)
	if err != nil {
		return Outcome{}, err
	}

	groupRank, err := e.roblox.GetUserRankInGroup(ctx, account.RobloxID, guildPolicy.RobloxGroupID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", errs.ErrRankFetchFailed, err)
	}

	previous, err := e.store.GetGuildRank(discordID, guildID)
	if err != nil {
		return Outcome{}, err
	}
	// A sync is current after it runs even when nothing changed.
	if err := e.store.UpsertGuildRank(discordID, guildID, groupRank.Rank); err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		Rank:      groupRank.Rank,
		RoleLabel: groupRank.RoleLabel,
	}
	if previous != nil {
		previousRank := previous.LastKnownRank
		outcome.PreviousRank = &previousRank
		outcome.RankChanged = previousRank != groupRank.Rank
	}

	// From here on, failures return the outcome alongside the error: role
	// writes may already have landed, and the caller must see them.
	rolesUpdated, rolesSkip, err := e.reconcileRoles(ctx, guildPolicy, self, member, groupRank.Rank)
	outcome.RolesUpdated = rolesUpdated
	outcome.RolesSkipReason = rolesSkip
	if err != nil {
		return outcome, err
	}

	nicknameUpdated, nicknameSkip, err := e.reconcileNickname(ctx, guildPolicy, self, member, account.RobloxUsername, groupRank.Rank)
	outcome.NicknameUpdated = nicknameUpdated
	outcome.NicknameSkipReason = nicknameSkip
	if err != nil {
		return outcome, err
	}

	e.emitChange(ctx, guildPolicy, account, actorID, outcome)

	e.logger.Debug("member synced",
		zap.String("guild_id", guildID),
		zap.String("discord_id", discordID),
		zap.Int64("rank", outcome.Rank),
		zap.Bool("roles_updated", outcome.RolesUpdated),
		zap.Bool("nickname_updated", outcome.NicknameUpdated))
	return outcome, nil
}

// reconcileRoles applies the minimal role diff against the member snapshot:
// every managed role other than the target is removed, the target added if
// absent. An unmapped rank or a bot without the role privilege is a no-op,
// not an error. The returned flag is valid even on error: it reports whether
// any role write landed before the failure.
func (e *Engine) reconcileRoles(ctx context.Context, guildPolicy policy.GuildPolicy, self gateway.Self, member gateway.Member, rank int64) (bool, string, error) {
	mapping, ok := guildPolicy.MappingFor(rank)
	if !ok {
		return false, "", nil
	}
	if !self.CanManageRoles {
		return false, "bot lacks manage-roles permission", nil
	}

	guildRoles, err := e.gateway.ListRoles(ctx, guildPolicy.GuildID)
	if err != nil {
		return false, "", err
	}
	roleIDsByName := make(map[string]string, len(guildRoles))
	for _, role := range guildRoles {
		roleIDsByName[role.Name] = role.ID
	}

	targetID, ok := roleIDsByName[mapping.RoleName]
	if !ok {
		return false, "", fmt.Errorf("%w: %q in guild %s", errs.ErrRoleMissingFromGuild, mapping.RoleName, guildPolicy.GuildID)
	}

	managed := make(map[string]bool)
	for _, name := range guildPolicy.ManagedRoleNames() {
		if id, ok := roleIDsByName[name]; ok {
			managed[id] = true
		}
	}

	updated := false
	for _, heldID := range member.RoleIDs {
		if managed[heldID] && heldID != targetID {
			if err := e.gateway.RemoveRole(ctx, guildPolicy.GuildID, member.DiscordID, heldID); err != nil {
				return updated, "", err
			}
			updated = true
		}
	}
	if !member.HasRoleID(targetID) {
		if err := e.gateway.AddRole(ctx, guildPolicy.GuildID, member.DiscordID, targetID); err != nil {
			return updated, "", err
		}
		updated = true
	}
	return updated, "", nil
}

// reconcileNickname writes the desired nickname when permitted and needed.
// Privilege and hierarchy checks produce a skip, not a failure.
func (e *Engine) reconcileNickname(ctx context.Context, guildPolicy policy.GuildPolicy, self gateway.Self, member gateway.Member, robloxUsername string, rank int64) (bool, string, error) {
	switch {
	case !self.CanManageNicknames:
		return false, "bot lacks manage-nicknames permission", nil
	case member.IsOwner:
		return false, "cannot rename the guild owner", nil
	case member.HighestRolePosition >= self.HighestRolePosition:
		return false, "member outranks the bot", nil
	}

	desired := guildPolicy.FormatNickname(robloxUsername, rank)
	if member.Nickname == desired {
		return false, "", nil
	}
	if err := e.gateway.SetNickname(ctx, guildPolicy.GuildID, member.DiscordID, desired); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// emitChange records a rank transition when the guild has an audit channel
// and an earlier rank is known. First-ever syncs have no prior state and
// emit nothing. Failures are logged, never propagated.
func (e *Engine) emitChange(ctx context.Context, guildPolicy policy.GuildPolicy, account *store.LinkedAccount, actorID string, outcome Outcome) {
	if e.recorder == nil || guildPolicy.LoggingChannelID == "" {
		return
	}
	if outcome.PreviousRank == nil || !outcome.RankChanged {
		return
	}

	change := audit.Change{
		GuildID:        guildPolicy.GuildID,
		DiscordID:      account.DiscordID,
		RobloxUsername: account.RobloxUsername,
		PreviousRank:   *outcome.PreviousRank,
		NewRank:        outcome.Rank,
		RoleLabel:      outcome.RoleLabel,
		ActorID:        actorID,
	}
	if err := e.recorder.Record(ctx, guildPolicy.LoggingChannelID, change); err != nil {
		e.logger.Warn("rank change record failed",
			zap.String("guild_id", guildPolicy.GuildID),
			zap.String("discord_id", account.DiscordID),
			zap.Error(err))
	}
}

// SyncGuild runs SyncMember sequentially over every linked account present
// in the guild, pacing between identities. Members absent from the guild
// are skipped silently; any other failure is collected and the sweep
// continues. The context is checked between identities so shutdown does not
// wait out a long sweep.
func (e *Engine) SyncGuild(ctx context.Context, guildID, actorID string) (SweepResult, error) {
	if _, ok := e.policies.Get(guildID); !ok {
		return SweepResult{}, fmt.Errorf("%w: %s", errs.ErrGuildNotConfigured, guildID)
	}

	accounts, err := e.store.ListLinkedAccountsWithGuildRank(guildID)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Total: len(accounts)}
	for index, account := range accounts {
		if index > 0 {
			if err := e.pace(ctx); err != nil {
				return result, err
			}
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		_, syncErr := e.SyncMember(ctx, guildID, account.DiscordID, actorID)
		switch {
		case syncErr == nil:
			result.Synced++
		case errors.Is(syncErr, errs.ErrMemberNotPresent):
			result.Skipped++
		case errors.Is(syncErr, context.Canceled), errors.Is(syncErr, context.DeadlineExceeded):
			return result, syncErr
		default:
			result.Failed++
			result.Errors = append(result.Errors, MemberError{
				DiscordID: account.DiscordID,
				Reason:    syncErr.Error(),
			})
		}
	}

	e.logger.Info("guild sweep complete",
		zap.String("guild_id", guildID),
		zap.Int("total", result.Total),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// SyncMemberIfEnabled is the join-event hook: it syncs only when the guild
// opted into sync-on-join and the member is verified, and stays silent
// otherwise.
func (e *Engine) SyncMemberIfEnabled(ctx context.Context, guildID, discordID string) (*Outcome, error) {
	guildPolicy, ok := e.policies.Get(guildID)
	if !ok || !guildPolicy.Sync.SyncOnJoin {
		return nil, nil
	}
	account, err := e.store.GetLinkedAccountByDiscord(discordID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}
	outcome, err := e.SyncMember(ctx, guildID, discordID, "")
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (e *Engine) pace(ctx context.Context) error {
	timer := time.NewTimer(e.pacing)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
