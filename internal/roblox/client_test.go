package roblox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rankbridge/rankbridge/internal/errs"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	limiter, err := NewLimiter(LimiterConfig{
		Capacity:      1000,
		Window:        time.Minute,
		MaxConcurrent: 2,
		MinSpacing:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	client, err := NewClient(ClientConfig{
		Limiter:       limiter,
		UsersBaseURL:  serverURL,
		GroupsBaseURL: serverURL,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestResolveUsernameReturnsCanonicalCasing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/usernames/users" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"data": [{"id": 156, "name": "Builderman"}]}`))
	}))
	defer server.Close()

	ref, err := newTestClient(t, server.URL).ResolveUsername(context.Background(), "builderman")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if ref.UserID != "156" || ref.Username != "Builderman" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestResolveUsernameEmptyMatchIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).ResolveUsername(context.Background(), "nosuchuser")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetUserRankInGroupFindsConfiguredGroup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [
			{"group": {"id": 7}, "role": {"name": "Janitor", "rank": 2}},
			{"group": {"id": 42}, "role": {"name": "Officer", "rank": 50}}
		]}`))
	}))
	defer server.Close()

	rank, err := newTestClient(t, server.URL).GetUserRankInGroup(context.Background(), "156", "42")
	if err != nil {
		t.Fatalf("rank fetch failed: %v", err)
	}
	if rank.Rank != 50 || rank.RoleLabel != "Officer" {
		t.Fatalf("unexpected rank: %+v", rank)
	}
}

func TestGetUserRankInGroupAbsentMembershipIsGuest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"group": {"id": 7}, "role": {"name": "Janitor", "rank": 2}}]}`))
	}))
	defer server.Close()

	rank, err := newTestClient(t, server.URL).GetUserRankInGroup(context.Background(), "156", "42")
	if err != nil {
		t.Fatalf("rank fetch failed: %v", err)
	}
	if rank.Rank != 0 || rank.RoleLabel != GuestRoleLabel {
		t.Fatalf("expected guest, got %+v", rank)
	}
}

func TestGetUserRankInGroupNotFoundResponseIsGuest(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	rank, err := newTestClient(t, server.URL).GetUserRankInGroup(context.Background(), "156", "42")
	if err != nil {
		t.Fatalf("rank fetch failed: %v", err)
	}
	if rank.Rank != 0 || rank.RoleLabel != GuestRoleLabel {
		t.Fatalf("expected guest, got %+v", rank)
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("not-found response must not be retried, got %d hits", hits)
	}
}

func TestGetUserProfileNotFoundIsTerminal(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).GetUserProfile(context.Background(), "156")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", hits)
	}
}

func TestServerErrorsAreRetriedUntilSuccess(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id": 156, "name": "Builderman", "description": "code here"}`))
	}))
	defer server.Close()

	profile, err := newTestClient(t, server.URL).GetUserProfile(context.Background(), "156")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if profile.Description != "code here" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if atomic.LoadInt64(&hits) != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestRetryBudgetExhaustionIsTransient(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).GetUserProfile(context.Background(), "156")
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if atomic.LoadInt64(&hits) != 3 {
		t.Fatalf("expected the full attempt budget, got %d", hits)
	}
}

func TestMalformedResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": not json`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).ResolveUsername(context.Background(), "builderman")
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("expected transient failure for malformed body, got %v", err)
	}
}

func TestUserExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/users/156" {
			w.Write([]byte(`{"id": 156, "name": "Builderman"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	exists, err := client.UserExists(context.Background(), "156")
	if err != nil || !exists {
		t.Fatalf("expected user 156 to exist: %v, %v", exists, err)
	}
	exists, err = client.UserExists(context.Background(), "999")
	if err != nil || exists {
		t.Fatalf("expected user 999 to not exist: %v, %v", exists, err)
	}
}

func TestGetGroupInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/groups/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"name": "Foundation", "memberCount": 1234}`))
	}))
	defer server.Close()

	info, err := newTestClient(t, server.URL).GetGroupInfo(context.Background(), "42")
	if err != nil {
		t.Fatalf("group info failed: %v", err)
	}
	if info.Name != "Foundation" || info.MemberCount != 1234 {
		t.Fatalf("unexpected info: %+v", info)
	}
}
