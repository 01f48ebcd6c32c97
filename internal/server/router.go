// Package server exposes the engine's public operations to the command shim
// over HTTP: the verification transitions, on-demand syncs, policy reload
// and a status surface.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rankbridge/rankbridge/internal/errs"
	"github.com/rankbridge/rankbridge/internal/policy"
	"github.com/rankbridge/rankbridge/internal/ranksync"
	"github.com/rankbridge/rankbridge/internal/scheduler"
	"github.com/rankbridge/rankbridge/internal/store"
	"github.com/rankbridge/rankbridge/internal/verify"
	"go.uber.org/zap"
)

const subjectContextKey = "rankbridge_subject"

var (
	errMissingVerifier   = errors.New("verification service dependency required")
	errMissingEngine     = errors.New("sync engine dependency required")
	errMissingPolicies   = errors.New("policy registry dependency required")
	errMissingScheduler  = errors.New("scheduler dependency required")
	errMissingStats      = errors.New("stats source dependency required")
	errMissingTokens     = errors.New("token manager dependency required")
	errMissingSecret     = errors.New("admin secret required")
	errInvalidAuthHeader = errors.New("authorization header missing or invalid")
)

// VerificationService is the linking state machine surface.
type VerificationService interface {
	BeginLink(ctx context.Context, discordID, username string) (verify.Challenge, error)
	Relink(ctx context.Context, discordID, username string) (verify.Challenge, error)
	ConfirmLink(ctx context.Context, discordID string) (*store.LinkedAccount, error)
	Unlink(ctx context.Context, discordID string) (*store.LinkedAccount, error)
}

// SyncEngine is the reconciliation surface.
type SyncEngine interface {
	SyncMember(ctx context.Context, guildID, discordID, actorID string) (ranksync.Outcome, error)
	SyncGuild(ctx context.Context, guildID, actorID string) (ranksync.SweepResult, error)
}

// PolicyAdmin serves and reloads the policy snapshot.
type PolicyAdmin interface {
	Get(guildID string) (policy.GuildPolicy, bool)
	All() []policy.GuildPolicy
	Reload() error
}

// SchedulerControl manages the background sweep lifecycle.
type SchedulerControl interface {
	Reload()
	Status() scheduler.Status
}

// StatsSource reports storage row counts.
type StatsSource interface {
	CountStats() (store.Stats, error)
}

// TokenManager issues and validates admin bearer tokens.
type TokenManager interface {
	IssueToken(subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Verifier    VerificationService
	Engine      SyncEngine
	Policies    PolicyAdmin
	Scheduler   SchedulerControl
	Stats       StatsSource
	Tokens      TokenManager
	AdminSecret string
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Policies == nil {
		return nil, errMissingPolicies
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Stats == nil {
		return nil, errMissingStats
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if strings.TrimSpace(deps.AdminSecret) == "" {
		return nil, errMissingSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		engine:      deps.Engine,
		policies:    deps.Policies,
		scheduler:   deps.Scheduler,
		stats:       deps.Stats,
		tokens:      deps.Tokens,
		adminSecret: deps.AdminSecret,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/verify/begin", handler.handleVerifyBegin)
	protected.POST("/verify/relink", handler.handleVerifyRelink)
	protected.POST("/verify/confirm", handler.handleVerifyConfirm)
	protected.POST("/verify/unlink", handler.handleVerifyUnlink)
	protected.POST("/sync/member", handler.handleSyncMember)
	protected.POST("/sync/guild", handler.handleSyncGuild)
	protected.POST("/policies/reload", handler.handlePoliciesReload)
	protected.GET("/status", handler.handleStatus)

	return router, nil
}

type httpHandler struct {
	verifier    VerificationService
	engine      SyncEngine
	policies    PolicyAdmin
	scheduler   SchedulerControl
	stats       StatsSource
	tokens      TokenManager
	adminSecret string
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	SharedSecret string `json:"shared_secret"`
	Subject      string `json:"subject"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.SharedSecret), []byte(h.adminSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(request.Subject)
	if err != nil {
		h.logger.Error("failed to issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type challengePayload struct {
	DiscordID        string `json:"discord_id"`
	RobloxID         string `json:"roblox_id"`
	RobloxUsername   string `json:"roblox_username"`
	Code             string `json:"code"`
	ExpiresAtSeconds int64  `json:"expires_at_s"`
	PreviousUsername string `json:"previous_username,omitempty"`
}

func toChallengePayload(challenge verify.Challenge) challengePayload {
	return challengePayload{
		DiscordID:        challenge.DiscordID,
		RobloxID:         challenge.RobloxID,
		RobloxUsername:   challenge.RobloxUsername,
		Code:             challenge.Code,
		ExpiresAtSeconds: challenge.ExpiresAt.Unix(),
		PreviousUsername: challenge.PreviousUsername,
	}
}

type verifyBeginPayload struct {
	DiscordID string `json:"discord_id"`
	Username  string `json:"username"`
}

func (h *httpHandler) handleVerifyBegin(c *gin.Context) {
	var request verifyBeginPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DiscordID == "" || request.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	challenge, err := h.verifier.BeginLink(c.Request.Context(), request.DiscordID, request.Username)
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, toChallengePayload(challenge))
}

func (h *httpHandler) handleVerifyRelink(c *gin.Context) {
	var request verifyBeginPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DiscordID == "" || request.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	challenge, err := h.verifier.Relink(c.Request.Context(), request.DiscordID, request.Username)
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, toChallengePayload(challenge))
}

type verifyConfirmPayload struct {
	DiscordID string `json:"discord_id"`
	// GuildID identifies where the confirmation was requested so the
	// sync-on-verify toggle can apply there.
	GuildID string `json:"guild_id"`
}

type linkedAccountPayload struct {
	DiscordID       string `json:"discord_id"`
	RobloxID        string `json:"roblox_id"`
	RobloxUsername  string `json:"roblox_username"`
	LinkedAtSeconds int64  `json:"linked_at_s"`
}

type confirmResponsePayload struct {
	Account linkedAccountPayload `json:"account"`
	Sync    *outcomePayload      `json:"sync,omitempty"`
}

func (h *httpHandler) handleVerifyConfirm(c *gin.Context) {
	var request verifyConfirmPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.verifier.ConfirmLink(c.Request.Context(), request.DiscordID)
	if err != nil {
		h.writeFailure(c, err)
		return
	}

	response := confirmResponsePayload{Account: toLinkedAccountPayload(account)}
	if request.GuildID != "" {
		if guildPolicy, ok := h.policies.Get(request.GuildID); ok && guildPolicy.Sync.SyncOnVerify {
			outcome, syncErr := h.engine.SyncMember(c.Request.Context(), request.GuildID, request.DiscordID, "")
			if syncErr != nil {
				// The link is already durable; a failed initial sync is
				// reported, not rolled back.
				h.logger.Warn("post-verify sync failed",
					zap.String("guild_id", request.GuildID),
					zap.String("discord_id", request.DiscordID),
					zap.Error(syncErr))
			} else {
				payload := toOutcomePayload(outcome)
				response.Sync = &payload
			}
		}
	}
	c.JSON(http.StatusOK, response)
}

type verifyUnlinkPayload struct {
	DiscordID string `json:"discord_id"`
}

func (h *httpHandler) handleVerifyUnlink(c *gin.Context) {
	var request verifyUnlinkPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := h.verifier.Unlink(c.Request.Context(), request.DiscordID)
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": toLinkedAccountPayload(account)})
}

type syncMemberPayload struct {
	GuildID   string `json:"guild_id"`
	DiscordID string `json:"discord_id"`
}

type outcomePayload struct {
	Rank               int64  `json:"rank"`
	RoleLabel          string `json:"role_label"`
	RankChanged        bool   `json:"rank_changed"`
	PreviousRank       *int64 `json:"previous_rank"`
	RolesUpdated       bool   `json:"roles_updated"`
	RolesSkipReason    string `json:"roles_skip_reason,omitempty"`
	NicknameUpdated    bool   `json:"nickname_updated"`
	NicknameSkipReason string `json:"nickname_skip_reason,omitempty"`
}

func toOutcomePayload(outcome ranksync.Outcome) outcomePayload {
	return outcomePayload{
		Rank:               outcome.Rank,
		RoleLabel:          outcome.RoleLabel,
		RankChanged:        outcome.RankChanged,
		PreviousRank:       outcome.PreviousRank,
		RolesUpdated:       outcome.RolesUpdated,
		RolesSkipReason:    outcome.RolesSkipReason,
		NicknameUpdated:    outcome.NicknameUpdated,
		NicknameSkipReason: outcome.NicknameSkipReason,
	}
}

func toLinkedAccountPayload(account *store.LinkedAccount) linkedAccountPayload {
	return linkedAccountPayload{
		DiscordID:       account.DiscordID,
		RobloxID:        account.RobloxID,
		RobloxUsername:  account.RobloxUsername,
		LinkedAtSeconds: account.LinkedAtSeconds,
	}
}

func (h *httpHandler) handleSyncMember(c *gin.Context) {
	var request syncMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.GuildID == "" || request.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.engine.SyncMember(c.Request.Context(), request.GuildID, request.DiscordID, c.GetString(subjectContextKey))
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, toOutcomePayload(outcome))
}

type syncGuildPayload struct {
	GuildID string `json:"guild_id"`
}

type sweepResponsePayload struct {
	Total   int                  `json:"total"`
	Synced  int                  `json:"synced"`
	Failed  int                  `json:"failed"`
	Skipped int                  `json:"skipped"`
	Errors  []memberErrorPayload `json:"errors"`
}

type memberErrorPayload struct {
	DiscordID string `json:"discord_id"`
	Reason    string `json:"reason"`
}

func (h *httpHandler) handleSyncGuild(c *gin.Context) {
	var request syncGuildPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.GuildID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.engine.SyncGuild(c.Request.Context(), request.GuildID, c.GetString(subjectContextKey))
	if err != nil {
		h.writeFailure(c, err)
		return
	}
	response := sweepResponsePayload{
		Total:   result.Total,
		Synced:  result.Synced,
		Failed:  result.Failed,
		Skipped: result.Skipped,
		Errors:  make([]memberErrorPayload, 0, len(result.Errors)),
	}
	for _, memberError := range result.Errors {
		response.Errors = append(response.Errors, memberErrorPayload{
			DiscordID: memberError.DiscordID,
			Reason:    memberError.Reason,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePoliciesReload(c *gin.Context) {
	if err := h.policies.Reload(); err != nil {
		h.logger.Error("policy reload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload_failed", "reason": err.Error()})
		return
	}
	h.scheduler.Reload()
	c.JSON(http.StatusOK, gin.H{"guilds": len(h.policies.All())})
}

type statusResponsePayload struct {
	LinkedAccounts       int64    `json:"linked_accounts"`
	PendingVerifications int64    `json:"pending_verifications"`
	GuildRankEntries     int64    `json:"guild_rank_entries"`
	ConfiguredGuilds     int      `json:"configured_guilds"`
	SchedulerRunning     bool     `json:"scheduler_running"`
	ScheduledGuilds      []string `json:"scheduled_guilds"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	stats, err := h.stats.CountStats()
	if err != nil {
		h.logger.Error("stats collection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	schedulerStatus := h.scheduler.Status()
	c.JSON(http.StatusOK, statusResponsePayload{
		LinkedAccounts:       stats.LinkedAccounts,
		PendingVerifications: stats.PendingVerifications,
		GuildRankEntries:     stats.GuildRankEntries,
		ConfiguredGuilds:     len(h.policies.All()),
		SchedulerRunning:     schedulerStatus.Running,
		ScheduledGuilds:      schedulerStatus.GuildIDs,
	})
}

// writeFailure maps the error taxonomy to a stable code plus the
// human-readable reason.
func (h *httpHandler) writeFailure(c *gin.Context, err error) {
	code, status := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "reason": err.Error()})
}

func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, errs.ErrGuildNotConfigured):
		return "guild_not_configured", http.StatusNotFound
	case errors.Is(err, errs.ErrNotVerified):
		return "not_verified", http.StatusConflict
	case errors.Is(err, errs.ErrAlreadyLinked):
		return "already_linked", http.StatusConflict
	case errors.Is(err, errs.ErrRemoteAlreadyClaimed):
		return "roblox_already_claimed", http.StatusConflict
	case errors.Is(err, errs.ErrNoPendingChallenge):
		return "no_pending_challenge", http.StatusConflict
	case errors.Is(err, errs.ErrChallengeExpired):
		return "challenge_expired", http.StatusGone
	case errors.Is(err, errs.ErrCodeNotPresent):
		return "code_not_present", http.StatusConflict
	case errors.Is(err, errs.ErrMemberNotPresent):
		return "member_not_present", http.StatusNotFound
	case errors.Is(err, errs.ErrPermissionDenied):
		return "permission_denied", http.StatusForbidden
	case errors.Is(err, errs.ErrRoleMissingFromGuild):
		return "role_missing_from_guild", http.StatusConflict
	case errors.Is(err, errs.ErrRankFetchFailed), errors.Is(err, errs.ErrTransient):
		return "upstream_failure", http.StatusBadGateway
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
