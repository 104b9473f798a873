package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
)

// StatusError is returned when the remote inbox answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status: %d", e.URL, e.StatusCode)
}

// Sender posts signed activities to remote inboxes.
type Sender struct {
	client *http.Client
}

func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{client: client}
}

// SendActivity posts body to inboxURI, signed with the actor's key.
func (s *Sender) SendActivity(ctx context.Context, actor *domain.Actor, inboxURI string, body []byte) error {
	if actor.PrivateKeyPem == "" {
		return fmt.Errorf("actor %s has no private key", actor.URI)
	}
	privateKey, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion()+" ActivityPub")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, privateKey, actor.URI+"#main-key", body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: inboxURI, StatusCode: resp.StatusCode}
	}
	return nil
}
