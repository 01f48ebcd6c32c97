// Package roblox wraps the Roblox web APIs behind a globally rate-limited,
// retrying client. Every outbound call in the process funnels through one
// Client instance so the shared budget holds across all guilds.
package roblox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rankbridge/rankbridge/internal/errs"
	"go.uber.org/zap"
)

const (
	defaultUsersBaseURL  = "https://users.roblox.com"
	defaultGroupsBaseURL = "https://groups.roblox.com"
	defaultTimeout       = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 2 * time.Second

	// GuestRoleLabel is reported for users outside the configured group.
	GuestRoleLabel = "Guest"
)

var errMissingLimiter = errors.New("roblox: limiter is required")

// UserRef identifies a Roblox user resolved from a display name. Username
// carries the canonical casing returned by the API.
type UserRef struct {
	UserID   string
	Username string
}

// Profile is a user's public profile text.
type Profile struct {
	UserID      string
	Username    string
	Description string
}

// GroupRank is a user's standing within one group. Rank 0 / "Guest" means
// the user is not a member; that is a successful result, not an error.
type GroupRank struct {
	Rank      int64
	RoleLabel string
}

// GroupInfo is group metadata.
type GroupInfo struct {
	Name        string
	MemberCount int64
}

// ClientConfig describes the dependencies for the Roblox client.
type ClientConfig struct {
	Limiter       *Limiter
	HTTPClient    *http.Client
	UsersBaseURL  string
	GroupsBaseURL string
	MaxAttempts   int
	BackoffBase   time.Duration
	Logger        *zap.Logger
}

// Client issues throttled, retrying requests against the Roblox APIs.
type Client struct {
	limiter     *Limiter
	http        *http.Client
	usersBase   string
	groupsBase  string
	maxAttempts int
	backoffBase time.Duration
	logger      *zap.Logger
}

// NewClient constructs the client. Zero-valued optional fields fall back to
// production defaults (10s timeout, 3 attempts, 2s initial backoff).
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, errMissingLimiter
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	usersBase := cfg.UsersBaseURL
	if usersBase == "" {
		usersBase = defaultUsersBaseURL
	}
	groupsBase := cfg.GroupsBaseURL
	if groupsBase == "" {
		groupsBase = defaultGroupsBaseURL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		limiter:     cfg.Limiter,
		http:        httpClient,
		usersBase:   usersBase,
		groupsBase:  groupsBase,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
	}, nil
}

type resolveUsernamesRequest struct {
	Usernames          []string `json:"usernames"`
	ExcludeBannedUsers bool     `json:"excludeBannedUsers"`
}

type resolveUsernamesResponse struct {
	Data []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// ResolveUsername looks up the numeric user id for a display name.
func (c *Client) ResolveUsername(ctx context.Context, username string) (UserRef, error) {
	request := resolveUsernamesRequest{Usernames: []string{username}}
	var response resolveUsernamesResponse
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, c.usersBase+"/v1/usernames/users", request, &response)
	})
	if err != nil {
		return UserRef{}, err
	}
	if len(response.Data) == 0 {
		return UserRef{}, fmt.Errorf("%w: user %q", errs.ErrNotFound, username)
	}
	return UserRef{
		UserID:   strconv.FormatInt(response.Data[0].ID, 10),
		Username: response.Data[0].Name,
	}, nil
}

type userResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GetUserProfile fetches a user's profile text, used for verification.
func (c *Client) GetUserProfile(ctx context.Context, userID string) (Profile, error) {
	var response userResponse
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.usersBase+"/v1/users/"+userID, nil, &response)
	})
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		UserID:      userID,
		Username:    response.Name,
		Description: response.Description,
	}, nil
}

// UserExists reports whether a numeric user id resolves to a Roblox account.
func (c *Client) UserExists(ctx context.Context, userID string) (bool, error) {
	_, err := c.GetUserProfile(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type groupRolesResponse struct {
	Data []struct {
		Group struct {
			ID int64 `json:"id"`
		} `json:"group"`
		Role struct {
			Name string `json:"name"`
			Rank int64  `json:"rank"`
		} `json:"role"`
	} `json:"data"`
}

// GetUserRankInGroup fetches the user's rank within groupID. Absence of
// membership, including a not-found response for the user's group list, is
// rank 0 / Guest.
func (c *Client) GetUserRankInGroup(ctx context.Context, userID, groupID string) (GroupRank, error) {
	var response groupRolesResponse
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.groupsBase+"/v1/users/"+userID+"/groups/roles", nil, &response)
	})
	if errors.Is(err, errs.ErrNotFound) {
		return GroupRank{Rank: 0, RoleLabel: GuestRoleLabel}, nil
	}
	if err != nil {
		return GroupRank{}, err
	}

	target, parseErr := strconv.ParseInt(groupID, 10, 64)
	if parseErr != nil {
		return GroupRank{}, fmt.Errorf("%w: invalid group id %q", errs.ErrTransient, groupID)
	}
	for _, membership := range response.Data {
		if membership.Group.ID == target {
			return GroupRank{Rank: membership.Role.Rank, RoleLabel: membership.Role.Name}, nil
		}
	}
	return GroupRank{Rank: 0, RoleLabel: GuestRoleLabel}, nil
}

type groupResponse struct {
	Name        string `json:"name"`
	MemberCount int64  `json:"memberCount"`
}

// GetGroupInfo fetches group metadata.
func (c *Client) GetGroupInfo(ctx context.Context, groupID string) (GroupInfo, error) {
	var response groupResponse
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.groupsBase+"/v1/groups/"+groupID, nil, &response)
	})
	if err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{Name: response.Name, MemberCount: response.MemberCount}, nil
}

// call runs fn with retry. Not-found results are terminal; everything else
// retries with exponential backoff until the attempt budget is spent.
func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	delay := c.backoffBase
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil || errors.Is(lastErr, errs.ErrNotFound) {
			return lastErr
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == c.maxAttempts {
			break
		}

		c.logger.Debug("roblox request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

// doJSON performs one throttled request and decodes the response. Status
// 400/404 map to ErrNotFound; all other non-2xx statuses and malformed
// bodies are transient.
func (c *Client) doJSON(ctx context.Context, method, url string, requestBody, out interface{}) error {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", errs.ErrTransient, err)
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errs.ErrTransient, err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound, response.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: status %d", errs.ErrNotFound, response.StatusCode)
	case response.StatusCode < 200 || response.StatusCode > 299:
		return fmt.Errorf("%w: status %d", errs.ErrTransient, response.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", errs.ErrTransient, err)
	}
	return nil
}
