package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/gin-gonic/gin"
)

const activityJSON = "application/activity+json; charset=utf-8"

// AccountReader looks up local accounts by name.
type AccountReader interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
}

// actorDocument is the key document remote servers fetch to verify the
// signatures on our deliveries.
func actorDocument(acc *domain.Account, sslDomain string) activitypub.Document {
	actor := acc.Actor(sslDomain)
	typ := "Person"
	if acc.IsSystem {
		typ = "Application"
	}
	return activitypub.Document{
		"@context":          []any{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		"id":                actor.URI,
		"type":              typ,
		"preferredUsername": acc.Username,
		"inbox":             actor.InboxURI,
		"endpoints":         map[string]any{"sharedInbox": "https://" + sslDomain + "/inbox"},
		"publicKey": map[string]any{
			"id":           actor.URI + "#main-key",
			"owner":        actor.URI,
			"publicKeyPem": acc.WebPublicKey,
		},
	}
}

func (s *Server) handleActor(c *gin.Context) {
	acc, err := s.accounts.ReadAccByUsername(c.Request.Context(), c.Param("actor"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("actor.read.failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, actorDocument(acc, s.conf.Conf.SslDomain))
}

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

func (s *Server) handleWebfinger(c *gin.Context) {
	notFound := func() { c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"}) }

	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		notFound()
		return
	}
	username := strings.TrimSuffix(strings.TrimPrefix(resource, "acct:"), "@"+s.conf.Conf.SslDomain)
	acc, err := s.accounts.ReadAccByUsername(c.Request.Context(), username)
	if err != nil {
		notFound()
		return
	}
	actor := acc.Actor(s.conf.Conf.SslDomain)
	c.JSON(http.StatusOK, webfingerResponse{
		Subject: "acct:" + acc.Username + "@" + s.conf.Conf.SslDomain,
		Links:   []webfingerLink{{Rel: "self", Type: "application/activity+json", Href: actor.URI}},
	})
}
