package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rankbridge/rankbridge/internal/errs"
)

const defaultShimTimeout = 10 * time.Second

var errMissingBaseURL = errors.New("gateway: base url is required")

// HTTPClientConfig configures the REST client for the bot shim.
type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPClient implements Client against the bot shim's REST surface.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient constructs the shim client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultShimTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
	}, nil
}

type memberPayload struct {
	DiscordID           string   `json:"discord_id"`
	Username            string   `json:"username"`
	Nickname            string   `json:"nickname"`
	RoleIDs             []string `json:"role_ids"`
	HighestRolePosition int      `json:"highest_role_position"`
	IsOwner             bool     `json:"is_owner"`
}

// GetMember returns the member snapshot; a shim 404 maps to
// errs.ErrMemberNotPresent.
func (c *HTTPClient) GetMember(ctx context.Context, guildID, discordID string) (Member, error) {
	var payload memberPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/members/%s", guildID, discordID), nil, &payload)
	if err != nil {
		return Member{}, err
	}
	return Member{
		DiscordID:           payload.DiscordID,
		Username:            payload.Username,
		Nickname:            payload.Nickname,
		RoleIDs:             payload.RoleIDs,
		HighestRolePosition: payload.HighestRolePosition,
		IsOwner:             payload.IsOwner,
	}, nil
}

type selfPayload struct {
	CanManageRoles      bool `json:"can_manage_roles"`
	CanManageNicknames  bool `json:"can_manage_nicknames"`
	HighestRolePosition int  `json:"highest_role_position"`
}

// GetSelf returns the bot's capabilities in the guild.
func (c *HTTPClient) GetSelf(ctx context.Context, guildID string) (Self, error) {
	var payload selfPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/self", guildID), nil, &payload)
	if err != nil {
		return Self{}, err
	}
	return Self{
		CanManageRoles:      payload.CanManageRoles,
		CanManageNicknames:  payload.CanManageNicknames,
		HighestRolePosition: payload.HighestRolePosition,
	}, nil
}

type rolePayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// ListRoles returns the guild's role set.
func (c *HTTPClient) ListRoles(ctx context.Context, guildID string) ([]Role, error) {
	var payload []rolePayload
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/roles", guildID), nil, &payload); err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(payload))
	for _, role := range payload {
		roles = append(roles, Role{ID: role.ID, Name: role.Name, Position: role.Position})
	}
	return roles, nil
}

// AddRole grants a role to a member.
func (c *HTTPClient) AddRole(ctx context.Context, guildID, discordID, roleID string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, discordID, roleID), nil, nil)
}

// RemoveRole revokes a role from a member.
func (c *HTTPClient) RemoveRole(ctx context.Context, guildID, discordID, roleID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, discordID, roleID), nil, nil)
}

type nicknamePayload struct {
	Nickname string `json:"nickname"`
}

// SetNickname replaces a member's nickname.
func (c *HTTPClient) SetNickname(ctx context.Context, guildID, discordID, nickname string) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/guilds/%s/members/%s/nickname", guildID, discordID), nicknamePayload{Nickname: nickname}, nil)
}

type messagePayload struct {
	Content string `json:"content"`
}

// SendChannelMessage posts a plain message to a channel.
func (c *HTTPClient) SendChannelMessage(ctx context.Context, channelID, content string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", channelID), messagePayload{Content: content}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, requestBody, out interface{}) error {
	var reader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", errs.ErrMemberNotPresent, path)
	case response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", errs.ErrPermissionDenied, method, path)
	case response.StatusCode < 200 || response.StatusCode > 299:
		return fmt.Errorf("gateway: %s %s: status %d", method, path, response.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}
