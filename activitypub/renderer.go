package activitypub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

const (
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
	activityStreams  = "https://www.w3.org/ns/activitystreams"
	securityContext  = "https://w3id.org/security/v1"
)

// Document is a JSON-LD object as it goes over the wire.
type Document map[string]any

func (d Document) Id() string {
	id, _ := d["id"].(string)
	return id
}

func (d Document) Type() string {
	t, _ := d["type"].(string)
	return t
}

// DeepCopy returns an independent copy; nested maps and slices are not shared.
func (d Document) DeepCopy() (Document, error) {
	buf, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Renderer builds the activities this server federates. All ids live under
// the configured domain.
type Renderer struct {
	SslDomain string
}

func NewRenderer(sslDomain string) *Renderer {
	return &Renderer{SslDomain: sslDomain}
}

func (r *Renderer) base() string {
	return "https://" + r.SslDomain
}

// AddContext wraps an activity for top-level delivery.
func (r *Renderer) AddContext(doc Document) Document {
	out := Document{"@context": []any{activityStreams, securityContext}}
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (r *Renderer) RelayFollowId(relayId uuid.UUID) string {
	return fmt.Sprintf("%s/activities/follow-relay/%s", r.base(), relayId)
}

// ParseRelayFollowId extracts the relay id from a Follow id this server
// rendered with RenderFollowRelay.
func (r *Renderer) ParseRelayFollowId(followId string) (uuid.UUID, bool) {
	prefix := r.base() + "/activities/follow-relay/"
	rest, ok := strings.CutPrefix(followId, prefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RenderFollowRelay follows the relay's public collection on behalf of the
// relay actor.
func (r *Renderer) RenderFollowRelay(relay *domain.Relay, actor *domain.Actor) Document {
	return Document{
		"id":     r.RelayFollowId(relay.Id),
		"type":   "Follow",
		"actor":  actor.URI,
		"object": PublicCollection,
	}
}

func (r *Renderer) RenderAccept(object Document, actor *domain.Actor) Document {
	return Document{
		"id":     fmt.Sprintf("%s/activities/accept/%s", r.base(), uuid.New()),
		"type":   "Accept",
		"actor":  actor.URI,
		"object": object,
	}
}

func (r *Renderer) RenderUndo(object Document, actor *domain.Actor) Document {
	id := object.Id()
	if id == "" {
		id = fmt.Sprintf("%s/activities/%s", r.base(), uuid.New())
	}
	return Document{
		"id":        id + "/undo",
		"type":      "Undo",
		"actor":     actor.URI,
		"object":    object,
		"published": time.Now().UTC().Format(time.RFC3339),
	}
}

func (r *Renderer) RenderBlock(blocking *domain.Blocking, blocker, blockee *domain.Actor) Document {
	return Document{
		"id":     fmt.Sprintf("%s/blocks/%s", r.base(), blocking.Id),
		"type":   "Block",
		"actor":  blocker.URI,
		"object": blockee.URI,
	}
}

func (r *Renderer) NoteURI(note *domain.Note) string {
	if note.URI != "" {
		return note.URI
	}
	return fmt.Sprintf("%s/notes/%s", r.base(), note.Id)
}

func (r *Renderer) RenderTombstone(uri string) Document {
	return Document{
		"id":   uri,
		"type": "Tombstone",
	}
}

func (r *Renderer) RenderDelete(object Document, actor *domain.Actor) Document {
	return Document{
		"id":        fmt.Sprintf("%s/activities/delete/%s", r.base(), uuid.New()),
		"type":      "Delete",
		"actor":     actor.URI,
		"object":    object,
		"published": time.Now().UTC().Format(time.RFC3339),
	}
}

// RenderAnnounce renders the Announce a pure renote was published as.
func (r *Renderer) RenderAnnounce(note *domain.Note, renotedURI string, actor *domain.Actor) Document {
	to, cc := []any{PublicCollection}, []any{actor.URI + "/followers"}
	switch note.Visibility {
	case domain.VisibilityHome:
		to, cc = []any{actor.URI + "/followers"}, []any{PublicCollection}
	case domain.VisibilityFollowers:
		to, cc = []any{actor.URI + "/followers"}, []any{}
	}
	return Document{
		"id":        r.NoteURI(note) + "/activity",
		"type":      "Announce",
		"actor":     actor.URI,
		"published": note.CreatedAt.UTC().Format(time.RFC3339),
		"to":        to,
		"cc":        cc,
		"object":    renotedURI,
	}
}

// LocalUsername returns the username of a local actor URI.
func (r *Renderer) LocalUsername(uri string) (string, bool) {
	name, ok := strings.CutPrefix(uri, r.base()+"/users/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
