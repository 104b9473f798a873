package activitypub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deemkeen/trunk/domain"
)

func TestSendActivitySignsAndPosts(t *testing.T) {
	actor, pubPEM := signingActor(t)
	body := []byte(`{"type":"Delete"}`)

	var verified string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if string(got) != string(body) {
			t.Errorf("Unexpected body %q", got)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/activity+json" {
			t.Errorf("Unexpected content type %q", ct)
		}
		if err := verifyDigest(r, got); err != nil {
			t.Errorf("Digest check failed: %v", err)
		}
		r.Header.Set("Host", r.Host)
		uri, err := VerifyRequest(r, pubPEM)
		if err != nil {
			t.Errorf("VerifyRequest failed: %v", err)
		}
		verified = uri
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := NewSender(nil).SendActivity(context.Background(), actor, srv.URL+"/inbox", body); err != nil {
		t.Fatalf("SendActivity failed: %v", err)
	}
	if verified != actor.URI {
		t.Errorf("Expected signature by %s, got %q", actor.URI, verified)
	}
}

func TestSendActivityStatusError(t *testing.T) {
	actor, _ := signingActor(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewSender(nil).SendActivity(context.Background(), actor, srv.URL, []byte(`{}`))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected StatusError 503, got %v", err)
	}
}

func TestSendActivityNeedsPrivateKey(t *testing.T) {
	err := NewSender(nil).SendActivity(context.Background(), &domain.Actor{URI: "https://example.test/users/x"}, "http://127.0.0.1:1", []byte(`{}`))
	if err == nil {
		t.Error("Expected error without a private key")
	}
}
