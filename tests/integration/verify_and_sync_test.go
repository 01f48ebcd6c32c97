package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/rankbridge/rankbridge/internal/audit"
	"github.com/rankbridge/rankbridge/internal/errs"
	"github.com/rankbridge/rankbridge/internal/gateway"
	"github.com/rankbridge/rankbridge/internal/policy"
	"github.com/rankbridge/rankbridge/internal/ranksync"
	"github.com/rankbridge/rankbridge/internal/roblox"
	"github.com/rankbridge/rankbridge/internal/scheduler"
	"github.com/rankbridge/rankbridge/internal/server"
	"github.com/rankbridge/rankbridge/internal/store"
	"github.com/rankbridge/rankbridge/internal/verify"
)

const (
	adminSecret     = "integration-admin-secret"
	jsonContentType = "application/json"
	guildID         = "guild-1"
	discordID       = "discord-1"
	robloxID        = "156"
)

const policyDocument = `{
  "servers": [
    {
      "guildId": "guild-1",
      "robloxGroupId": "42",
      "rankMappings": {
        "0": {"roleName": "Civilian"},
        "10": {"roleName": "Cadet", "nicknamePrefix": "CDT "}
      },
      "loggingChannelId": "chan-9",
      "syncSettings": {
        "syncOnVerify": true,
        "backgroundSyncEnabled": false
      }
    }
  ]
}`

// robloxStub plays both Roblox roles the service consumes: the username
// resolver for the verify flow and the rank fetcher for the sync flow.
type robloxStub struct {
	description string
	rank        int64
}

func (r *robloxStub) ResolveUsername(_ context.Context, username string) (roblox.UserRef, error) {
	if username != "builderman" {
		return roblox.UserRef{}, fmt.Errorf("%w: %s", errs.ErrNotFound, username)
	}
	return roblox.UserRef{UserID: robloxID, Username: "Builderman"}, nil
}

func (r *robloxStub) GetUserProfile(_ context.Context, _ string) (roblox.Profile, error) {
	return roblox.Profile{UserID: robloxID, Description: r.description}, nil
}

func (r *robloxStub) GetUserRankInGroup(_ context.Context, _, _ string) (roblox.GroupRank, error) {
	return roblox.GroupRank{Rank: r.rank, RoleLabel: "Cadet"}, nil
}

type gatewayStub struct {
	member    gateway.Member
	nicknames map[string]string
	added     []string
	messages  []string
}

func (g *gatewayStub) GetMember(_ context.Context, _, memberID string) (gateway.Member, error) {
	if memberID != g.member.DiscordID {
		return gateway.Member{}, fmt.Errorf("%w: %s", errs.ErrMemberNotPresent, memberID)
	}
	return g.member, nil
}

func (g *gatewayStub) GetSelf(_ context.Context, _ string) (gateway.Self, error) {
	return gateway.Self{CanManageRoles: true, CanManageNicknames: true, HighestRolePosition: 100}, nil
}

func (g *gatewayStub) ListRoles(_ context.Context, _ string) ([]gateway.Role, error) {
	return []gateway.Role{
		{ID: "role-civ", Name: "Civilian", Position: 1},
		{ID: "role-cdt", Name: "Cadet", Position: 2},
	}, nil
}

func (g *gatewayStub) AddRole(_ context.Context, _, memberID, roleID string) error {
	g.added = append(g.added, roleID)
	g.member.RoleIDs = append(g.member.RoleIDs, roleID)
	return nil
}

func (g *gatewayStub) RemoveRole(_ context.Context, _, _, _ string) error { return nil }

func (g *gatewayStub) SetNickname(_ context.Context, _, memberID, nickname string) error {
	g.nicknames[memberID] = nickname
	return nil
}

func (g *gatewayStub) SendChannelMessage(_ context.Context, _, content string) error {
	g.messages = append(g.messages, content)
	return nil
}

func TestVerifyAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.LinkedAccount{}, &store.PendingVerification{}, &store.GuildRank{}, &audit.RankChangeRecord{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	accountStore, err := store.New(store.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	policyPath := filepath.Join(testContext.TempDir(), "servers.json")
	if err := os.WriteFile(policyPath, []byte(policyDocument), 0o600); err != nil {
		testContext.Fatalf("failed to write policy file: %v", err)
	}
	registry, err := policy.NewRegistry(policy.RegistryConfig{Path: policyPath})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}

	robloxAPI := &robloxStub{rank: 12}
	discordSide := &gatewayStub{
		member: gateway.Member{
			DiscordID:           discordID,
			Username:            "builder",
			HighestRolePosition: 5,
		},
		nicknames: map[string]string{},
	}

	verifier, err := verify.NewService(verify.ServiceConfig{
		Store:  accountStore,
		Roblox: robloxAPI,
	})
	if err != nil {
		testContext.Fatalf("failed to build verify service: %v", err)
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{Database: db, Notifier: discordSide})
	if err != nil {
		testContext.Fatalf("failed to build recorder: %v", err)
	}

	engine, err := ranksync.NewEngine(ranksync.EngineConfig{
		Store:    accountStore,
		Policies: registry,
		Roblox:   robloxAPI,
		Gateway:  discordSide,
		Recorder: recorder,
		Pacing:   time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}

	sweeps, err := scheduler.New(scheduler.Config{Sweeper: engine, Policies: registry})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:  verifier,
		Engine:    engine,
		Policies:  registry,
		Scheduler: sweeps,
		Stats:     accountStore,
		Tokens: server.NewTokenIssuer(server.TokenIssuerConfig{
			SigningSecret: []byte("integration-signing-secret"),
			Issuer:        "rankbridge",
			Audience:      "rankbridge-admin",
		}),
		AdminSecret: adminSecret,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	post := func(path, token string, payload any) (*httptest.ResponseRecorder, map[string]any) {
		body, err := json.Marshal(payload)
		if err != nil {
			testContext.Fatalf("failed to encode payload: %v", err)
		}
		request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		request.Header.Set("Content-Type", jsonContentType)
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, request)
		decoded := map[string]any{}
		if response.Body.Len() > 0 {
			if err := json.Unmarshal(response.Body.Bytes(), &decoded); err != nil {
				testContext.Fatalf("failed to decode response %q: %v", response.Body.String(), err)
			}
		}
		return response, decoded
	}

	// Exchange the shared secret for a bearer token.
	response, body := post("/auth/token", "", map[string]string{
		"shared_secret": adminSecret,
		"subject":       "bot-shim",
	})
	if response.Code != http.StatusOK {
		testContext.Fatalf("token exchange failed: %d %s", response.Code, response.Body.String())
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		testContext.Fatal("expected an access token")
	}

	// Begin the link and stash the code in the stub profile.
	response, body = post("/verify/begin", token, map[string]string{
		"discord_id": discordID,
		"username":   "builderman",
	})
	if response.Code != http.StatusOK {
		testContext.Fatalf("verify begin failed: %d %s", response.Code, response.Body.String())
	}
	code, _ := body["code"].(string)
	if len(code) != 8 {
		testContext.Fatalf("expected an 8 character challenge code, got %q", code)
	}

	// Confirming before the code is on the profile is rejected.
	response, _ = post("/verify/confirm", token, map[string]string{"discord_id": discordID})
	if response.Code != http.StatusConflict {
		testContext.Fatalf("expected 409 before the profile carries the code, got %d", response.Code)
	}

	robloxAPI.description = "verifying with " + code

	// Confirm; sync-on-verify runs the first reconciliation inline.
	response, body = post("/verify/confirm", token, map[string]string{
		"discord_id": discordID,
		"guild_id":   guildID,
	})
	if response.Code != http.StatusOK {
		testContext.Fatalf("verify confirm failed: %d %s", response.Code, response.Body.String())
	}
	syncOutcome, _ := body["sync"].(map[string]any)
	if syncOutcome == nil || syncOutcome["rank"] != float64(12) {
		testContext.Fatalf("expected an inline sync outcome at rank 12, got %v", body)
	}
	if len(discordSide.added) != 1 || discordSide.added[0] != "role-cdt" {
		testContext.Fatalf("expected the Cadet role to be granted, got %v", discordSide.added)
	}
	if discordSide.nicknames[discordID] != "CDT Builderman" {
		testContext.Fatalf("unexpected nickname %q", discordSide.nicknames[discordID])
	}

	// A promotion on the next manual sync lands in the audit trail and the
	// logging channel.
	robloxAPI.rank = 55
	response, body = post("/sync/member", token, map[string]string{
		"guild_id":   guildID,
		"discord_id": discordID,
	})
	if response.Code != http.StatusOK {
		testContext.Fatalf("manual sync failed: %d %s", response.Code, response.Body.String())
	}
	if body["rank_changed"] != true {
		testContext.Fatalf("expected a rank change, got %v", body)
	}
	if len(discordSide.messages) != 1 {
		testContext.Fatalf("expected one channel notice, got %v", discordSide.messages)
	}
	records, err := recorder.ListRecent(guildID, 10)
	if err != nil || len(records) != 1 {
		testContext.Fatalf("expected one audit row: %v, %v", records, err)
	}
	if records[0].PreviousRank != 12 || records[0].NewRank != 55 || records[0].ActorID != "bot-shim" {
		testContext.Fatalf("unexpected audit row: %+v", records[0])
	}

	// Unlink tears down the link and its derived state.
	response, _ = post("/verify/unlink", token, map[string]string{"discord_id": discordID})
	if response.Code != http.StatusOK {
		testContext.Fatalf("unlink failed: %d %s", response.Code, response.Body.String())
	}
	if linked, _ := accountStore.GetLinkedAccountByDiscord(discordID); linked != nil {
		testContext.Fatal("expected the link to be gone")
	}
	if rank, _ := accountStore.GetGuildRank(discordID, guildID); rank != nil {
		testContext.Fatal("expected the guild rank to be gone")
	}
}
