// Package verify implements the account-linking state machine:
// Unlinked -> Pending -> Linked, with a time-boxed profile challenge.
package verify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rankbridge/rankbridge/internal/errs"
	"github.com/rankbridge/rankbridge/internal/roblox"
	"github.com/rankbridge/rankbridge/internal/store"
	"go.uber.org/zap"
)

// ChallengeTTL bounds how long a pending verification stays confirmable.
const ChallengeTTL = 15 * time.Minute

const challengeCodeBytes = 4

var (
	errMissingStore  = errors.New("verify: store is required")
	errMissingRoblox = errors.New("verify: roblox client is required")
)

// RobloxResolver is the slice of the Roblox client the state machine needs.
type RobloxResolver interface {
	ResolveUsername(ctx context.Context, username string) (roblox.UserRef, error)
	GetUserProfile(ctx context.Context, userID string) (roblox.Profile, error)
}

// CodeProvider issues challenge codes.
type CodeProvider interface {
	NewCode() (string, error)
}

type hexCodeProvider struct{}

// NewHexCodeProvider issues fixed-width upper-case hex challenge codes.
func NewHexCodeProvider() CodeProvider {
	return &hexCodeProvider{}
}

func (p *hexCodeProvider) NewCode() (string, error) {
	buf := make([]byte, challengeCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// Challenge is the caller-facing view of a freshly issued verification.
type Challenge struct {
	DiscordID        string
	RobloxID         string
	RobloxUsername   string
	Code             string
	ExpiresAt        time.Time
	PreviousUsername string // set on the relink path, display only
}

// ServiceConfig describes the dependencies for the verification service.
type ServiceConfig struct {
	Store  *store.Store
	Roblox RobloxResolver
	Codes  CodeProvider
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service owns the linked-identity lifecycle. No other component mutates
// linked accounts or pending verifications.
type Service struct {
	store  *store.Store
	roblox RobloxResolver
	codes  CodeProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the verification service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Roblox == nil {
		return nil, errMissingRoblox
	}
	codes := cfg.Codes
	if codes == nil {
		codes = NewHexCodeProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		roblox: cfg.Roblox,
		codes:  codes,
		clock:  clock,
		logger: logger,
	}, nil
}

// BeginLink starts a fresh verification. It fails when the Discord account
// is already linked; use Relink to replace an existing link.
func (s *Service) BeginLink(ctx context.Context, discordID, username string) (Challenge, error) {
	existing, err := s.store.GetLinkedAccountByDiscord(discordID)
	if err != nil {
		return Challenge{}, err
	}
	if existing != nil {
		return Challenge{}, fmt.Errorf("%w: as %s", errs.ErrAlreadyLinked, existing.RobloxUsername)
	}
	return s.issueChallenge(ctx, discordID, username, "")
}

// Relink starts a verification while a link already exists. The existing
// link survives until the new challenge is confirmed.
func (s *Service) Relink(ctx context.Context, discordID, username string) (Challenge, error) {
	previousUsername := ""
	existing, err := s.store.GetLinkedAccountByDiscord(discordID)
	if err != nil {
		return Challenge{}, err
	}
	if existing != nil {
		previousUsername = existing.RobloxUsername
	}
	return s.issueChallenge(ctx, discordID, username, previousUsername)
}

func (s *Service) issueChallenge(ctx context.Context, discordID, username, previousUsername string) (Challenge, error) {
	ref, err := s.roblox.ResolveUsername(ctx, username)
	if err != nil {
		return Challenge{}, err
	}

	claimant, err := s.store.GetLinkedAccountByRoblox(ref.UserID)
	if err != nil {
		return Challenge{}, err
	}
	if claimant != nil && claimant.DiscordID != discordID {
		return Challenge{}, fmt.Errorf("%w: roblox user %s", errs.ErrRemoteAlreadyClaimed, ref.Username)
	}

	code, err := s.codes.NewCode()
	if err != nil {
		return Challenge{}, fmt.Errorf("verify: generate code: %w", err)
	}

	if err := s.store.PutPendingVerification(discordID, ref.UserID, ref.Username, code); err != nil {
		return Challenge{}, err
	}

	s.logger.Info("verification challenge issued",
		zap.String("discord_id", discordID),
		zap.String("roblox_id", ref.UserID))

	return Challenge{
		DiscordID:        discordID,
		RobloxID:         ref.UserID,
		RobloxUsername:   ref.Username,
		Code:             code,
		ExpiresAt:        s.clock().Add(ChallengeTTL),
		PreviousUsername: previousUsername,
	}, nil
}

// ConfirmLink checks the challenge code against the Roblox profile text and
// promotes the pending verification into a linked account. An expired
// challenge is deleted as a side effect of the check.
func (s *Service) ConfirmLink(ctx context.Context, discordID string) (*store.LinkedAccount, error) {
	pending, err := s.store.GetPendingVerification(discordID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, errs.ErrNoPendingChallenge
	}

	age := s.clock().Sub(time.Unix(pending.CreatedAtSeconds, 0))
	if age > ChallengeTTL {
		if err := s.store.DeletePendingVerification(discordID); err != nil {
			return nil, err
		}
		return nil, errs.ErrChallengeExpired
	}

	profile, err := s.roblox.GetUserProfile(ctx, pending.RobloxID)
	if err != nil {
		return nil, fmt.Errorf("fetch roblox profile: %w", err)
	}

	description := strings.ToLower(profile.Description)
	if !strings.Contains(description, strings.ToLower(pending.ChallengeCode)) {
		return nil, fmt.Errorf("%w: add %s to your profile description", errs.ErrCodeNotPresent, pending.ChallengeCode)
	}

	account, err := s.store.PromotePendingToLinked(discordID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("account linked",
		zap.String("discord_id", account.DiscordID),
		zap.String("roblox_id", account.RobloxID),
		zap.String("roblox_username", account.RobloxUsername))
	return account, nil
}

// Unlink destroys the link and everything derived from it: every guild rank
// record and any stray pending verification. Returns the removed link.
func (s *Service) Unlink(ctx context.Context, discordID string) (*store.LinkedAccount, error) {
	_ = ctx
	account, err := s.store.GetLinkedAccountByDiscord(discordID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errs.ErrNotVerified
	}

	if err := s.store.DeleteLinkedAccount(discordID); err != nil {
		return nil, err
	}

	s.logger.Info("account unlinked",
		zap.String("discord_id", discordID),
		zap.String("roblox_username", account.RobloxUsername))
	return account, nil
}

// PurgeExpired removes pending verifications older than the TTL.
func (s *Service) PurgeExpired() (int64, error) {
	return s.store.PurgeExpiredPending(ChallengeTTL)
}
