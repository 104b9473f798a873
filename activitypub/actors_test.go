package activitypub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/trunk/db"
)

func TestResolverFetchStoresActor(t *testing.T) {
	database := setupTestDB(t)
	remote := newFakeRemote(t, "alice")
	alice := remote.user("alice")

	acc, err := NewResolver(database).Fetch(context.Background(), alice.uri)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if acc.Username != "alice" || acc.InboxURI != alice.uri+"/inbox" {
		t.Errorf("Unexpected account: %+v", acc)
	}
	if acc.SharedInboxURI != remote.srv.URL+"/inbox" {
		t.Errorf("Expected shared inbox, got %q", acc.SharedInboxURI)
	}

	stored, err := database.ReadRemoteAccountByURI(context.Background(), alice.uri)
	if err != nil {
		t.Fatalf("Expected account to be stored: %v", err)
	}
	if stored.Id != acc.Id || stored.PublicKeyPem != alice.pem {
		t.Errorf("Stored account differs: %+v", stored)
	}
}

func TestResolverResolveUsesFreshCache(t *testing.T) {
	database := setupTestDB(t)
	remote := newFakeRemote(t, "alice")
	alice := remote.user("alice")
	r := NewResolver(database)
	ctx := context.Background()

	first, err := r.Resolve(ctx, alice.uri)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := r.Resolve(ctx, alice.uri)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if first.Id != second.Id {
		t.Error("Expected the same account on the second resolve")
	}
	if remote.hitCount("alice") != 1 {
		t.Errorf("Expected one fetch, got %d", remote.hitCount("alice"))
	}
}

func TestResolverRefetchesStaleActor(t *testing.T) {
	database := setupTestDB(t)
	remote := newFakeRemote(t, "alice")
	alice := remote.user("alice")
	r := NewResolver(database)
	ctx := context.Background()

	first, err := r.Resolve(ctx, alice.uri)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	first.LastFetchedAt = time.Now().Add(-48 * time.Hour)
	if err := database.UpdateRemoteAccount(ctx, first); err != nil {
		t.Fatalf("UpdateRemoteAccount failed: %v", err)
	}

	second, err := r.Resolve(ctx, alice.uri)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if remote.hitCount("alice") != 2 {
		t.Errorf("Expected a refetch, got %d fetches", remote.hitCount("alice"))
	}
	if second.Id != first.Id {
		t.Errorf("Expected refetch to keep id %s, got %s", first.Id, second.Id)
	}
}

func TestResolverFetchErrors(t *testing.T) {
	database := setupTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/incomplete" {
			w.Write([]byte(`{"id":"https://x.example/incomplete","type":"Person"}`))
			return
		}
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	r := NewResolver(database)
	if _, err := r.Fetch(context.Background(), srv.URL+"/gone"); err == nil {
		t.Error("Expected error for non-200 status")
	}
	if _, err := r.Fetch(context.Background(), srv.URL+"/incomplete"); err == nil {
		t.Error("Expected error for actor missing inbox and key")
	}
	if _, err := database.ReadRemoteAccountByURI(context.Background(), srv.URL+"/gone"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected nothing stored, got %v", err)
	}
}

func TestActorURIParts(t *testing.T) {
	tests := []struct {
		uri      string
		domain   string
		username string
		wantErr  bool
	}{
		{"https://mastodon.social/users/alice", "mastodon.social", "alice", false},
		{"https://social.example.com:8080/users/charlie", "social.example.com:8080", "charlie", false},
		{"https://mastodon.social/@bob", "mastodon.social", "bob", false},
		{"https://relay.example/actor", "relay.example", "actor", false},
		{"://invalid", "", "invalid", true},
	}

	for _, tt := range tests {
		domain, err := extractDomain(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("extractDomain(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
		}
		if domain != tt.domain {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.uri, domain, tt.domain)
		}
		if got := extractUsername(tt.uri); got != tt.username {
			t.Errorf("extractUsername(%q) = %q, want %q", tt.uri, got, tt.username)
		}
	}
	if got := extractUsername(""); got != "" {
		t.Errorf("extractUsername(\"\") = %q", got)
	}
}
