// Package errs defines the sentinel errors shared across the rankbridge
// services. Callers discriminate with errors.Is; human-readable context is
// added at the point of failure with fmt.Errorf("%w: ...").
package errs

import "errors"

var (
	// ErrNotFound marks a remote identity that does not exist. It is
	// terminal: the Roblox client never retries it.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks a rate-limit, transport or server-class failure
	// that survived the client's retry budget.
	ErrTransient = errors.New("transient upstream failure")

	// ErrGuildNotConfigured indicates no policy exists for the guild.
	ErrGuildNotConfigured = errors.New("guild not configured")
	// ErrNotVerified indicates the Discord account has no linked Roblox
	// account.
	ErrNotVerified = errors.New("account not verified")
	// ErrAlreadyLinked indicates the Discord account already has a link.
	ErrAlreadyLinked = errors.New("account already linked")
	// ErrRemoteAlreadyClaimed indicates the Roblox account is linked to a
	// different Discord account.
	ErrRemoteAlreadyClaimed = errors.New("roblox account already claimed")
	// ErrNoPendingChallenge indicates confirm was called without a prior
	// begin.
	ErrNoPendingChallenge = errors.New("no pending verification")
	// ErrChallengeExpired indicates the pending verification outlived its
	// 15 minute window.
	ErrChallengeExpired = errors.New("verification code expired")
	// ErrCodeNotPresent indicates the challenge code was not found in the
	// Roblox profile description.
	ErrCodeNotPresent = errors.New("verification code not present in profile")

	// ErrMemberNotPresent indicates the Discord account is not currently a
	// member of the guild. Sweeps skip it; on-demand callers surface it.
	ErrMemberNotPresent = errors.New("member not in guild")
	// ErrPermissionDenied indicates the bot lacks the privilege for a
	// guild-side write.
	ErrPermissionDenied = errors.New("insufficient permission")
	// ErrRoleMissingFromGuild indicates a mapped role name does not exist
	// in the guild's role list. An unmapped rank is not an error at all;
	// the role step simply skips.
	ErrRoleMissingFromGuild = errors.New("mapped role not present in guild")
	// ErrRankFetchFailed wraps a Roblox rank lookup failure during a sync.
	ErrRankFetchFailed = errors.New("failed to fetch roblox rank")
)
