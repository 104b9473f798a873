package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ActorStore is the part of the database actor resolution writes to.
type ActorStore interface {
	ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error)
	CreateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error
	UpdateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error
}

// Resolver fetches remote actors and keeps the remote_accounts table current.
// It is the only writer of remote accounts.
type Resolver struct {
	store  ActorStore
	client *http.Client
	maxAge time.Duration
}

func NewResolver(store ActorStore) *Resolver {
	return &Resolver{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		maxAge: 24 * time.Hour,
	}
}

// Fetch fetches an actor from a remote server and stores it.
func (r *Resolver) Fetch(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion()+" ActivityPub")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	username := actor.PreferredUsername
	if username == "" {
		username = extractUsername(actor.ID)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       username,
		Domain:         domainName,
		ActorURI:       actor.ID,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		LastFetchedAt:  time.Now(),
	}

	existing, err := r.store.ReadRemoteAccountByURI(ctx, actor.ID)
	switch {
	case err == nil:
		remoteAcc.Id = existing.Id
		if err := r.store.UpdateRemoteAccount(ctx, remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to update remote account: %w", err)
		}
	case errors.Is(err, db.ErrNotFound):
		if err := r.store.CreateRemoteAccount(ctx, remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to store remote account: %w", err)
		}
	default:
		return nil, err
	}

	return remoteAcc, nil
}

// Resolve returns the stored actor, refetching it when missing or stale.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	cached, err := r.store.ReadRemoteAccountByURI(ctx, actorURI)
	if err == nil && time.Since(cached.LastFetchedAt) < r.maxAge {
		return cached, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return r.Fetch(ctx, actorURI)
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}

	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	if len(parts) > 0 {
		return strings.TrimPrefix(parts[len(parts)-1], "@")
	}
	return ""
}
