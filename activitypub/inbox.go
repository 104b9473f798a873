package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Activity represents a generic ActivityPub activity
type Activity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// objectRef is the id and type of an activity object, which may be a bare
// URI or an embedded object.
type objectRef struct {
	ID   string
	Type string
	Raw  Document
}

func parseObject(raw json.RawMessage) objectRef {
	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		return objectRef{ID: uri}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err == nil {
		return objectRef{ID: doc.Id(), Type: doc.Type(), Raw: doc}
	}
	return objectRef{}
}

// Deliverer enqueues a signed delivery of an activity to one inbox.
type Deliverer interface {
	EnqueueActivityDelivery(ctx context.Context, actor *domain.Actor, activity Document, inbox string, isSharedInbox bool) (uuid.UUID, error)
}

// RelayStates records the relay's answer to our relay Follow.
type RelayStates interface {
	Accepted(ctx context.Context, id uuid.UUID) error
	Rejected(ctx context.Context, id uuid.UUID) error
}

// BlockHandler applies blocks a remote actor placed on a local user.
type BlockHandler interface {
	Block(ctx context.Context, blocker, blockee *domain.Actor) error
	Unblock(ctx context.Context, blocker, blockee *domain.Actor) error
}

// Inbox processes incoming activities for local users and the shared inbox.
type Inbox struct {
	db       *db.DB
	resolver *Resolver
	renderer *Renderer
	deliver  Deliverer
	relays   RelayStates
	blocks   BlockHandler
	log      zerolog.Logger
}

func NewInbox(database *db.DB, resolver *Resolver, renderer *Renderer, deliver Deliverer, relays RelayStates, blocks BlockHandler) *Inbox {
	return &Inbox{
		db:       database,
		resolver: resolver,
		renderer: renderer,
		deliver:  deliver,
		relays:   relays,
		blocks:   blocks,
		log:      util.Logger("inbox"),
	}
}

// HandleInbox processes incoming ActivityPub activities. username is empty
// for the shared inbox.
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	ctx := r.Context()

	keyId, err := KeyIdOf(r)
	if err != nil {
		in.log.Debug().Err(err).Msg("inbox.unsigned")
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil || activity.Type == "" || activity.Actor == "" {
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	signer, err := in.resolver.Resolve(ctx, strings.Split(keyId, "#")[0])
	if err != nil {
		in.log.Warn().Err(err).Str("keyId", keyId).Msg("inbox.resolve_failed")
		http.Error(w, "Failed to verify actor", http.StatusBadRequest)
		return
	}

	// net/http moves Host out of the header map; the signature covers it.
	if r.Header.Get("Host") == "" {
		r.Header.Set("Host", r.Host)
	}
	if err := verifyDigest(r, body); err != nil {
		http.Error(w, "Invalid digest", http.StatusUnauthorized)
		return
	}
	signerURI, err := VerifyRequest(r, signer.PublicKeyPem)
	if err != nil {
		in.log.Warn().Err(err).Str("actor", signer.ActorURI).Msg("inbox.bad_signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	remoteActor := signer
	if signerURI != activity.Actor {
		// Forwarded by a relay; only trusted with a linked-data signature of
		// the activity's own actor.
		remoteActor, err = in.verifyForwarded(ctx, body, activity.Actor)
		if err != nil {
			in.log.Warn().Err(err).Str("signer", signerURI).Str("actor", activity.Actor).Msg("inbox.forward_rejected")
			http.Error(w, "Actor mismatch", http.StatusUnauthorized)
			return
		}
	}

	object := parseObject(activity.Object)
	record := &domain.InboxActivity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    object.ID,
		RawJSON:      string(body),
		CreatedAt:    time.Now(),
	}
	if activity.ID != "" {
		if err := in.db.RecordActivity(ctx, record); err != nil {
			if errors.Is(err, db.ErrDuplicateActivity) {
				in.log.Debug().Str("id", activity.ID).Msg("inbox.duplicate")
				w.WriteHeader(http.StatusAccepted)
				return
			}
			in.log.Error().Err(err).Msg("inbox.record_failed")
		}
	}

	in.log.Info().Str("type", activity.Type).Str("actor", activity.Actor).Str("inbox", username).Msg("inbox.received")

	if err := in.process(ctx, &activity, object, remoteActor, body); err != nil {
		in.log.Error().Err(err).Str("type", activity.Type).Msg("inbox.process_failed")
		http.Error(w, "Failed to process "+activity.Type, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (in *Inbox) process(ctx context.Context, activity *Activity, object objectRef, remote *domain.RemoteAccount, body []byte) error {
	switch activity.Type {
	case "Follow":
		return in.handleFollow(ctx, body, object, remote)
	case "Undo":
		return in.handleUndo(ctx, object, remote)
	case "Accept", "Reject":
		return in.handleRelayAnswer(ctx, activity.Type, object)
	case "Block":
		local, err := in.localActor(ctx, object.ID)
		if err != nil {
			return err
		}
		return in.blocks.Block(ctx, remote.Actor(), local)
	default:
		in.log.Debug().Str("type", activity.Type).Msg("inbox.unsupported")
	}
	return nil
}

func (in *Inbox) handleFollow(ctx context.Context, body []byte, object objectRef, remote *domain.RemoteAccount) error {
	local, err := in.localActor(ctx, object.ID)
	if err != nil {
		return err
	}

	var follow Document
	if err := json.Unmarshal(body, &follow); err != nil {
		return fmt.Errorf("failed to parse Follow activity: %w", err)
	}
	delete(follow, "@context")

	err = in.db.CreateFollow(ctx, &domain.Follow{
		Id:         uuid.New(),
		FollowerId: remote.Id,
		FolloweeId: local.Id,
		URI:        follow.Id(),
		CreatedAt:  time.Now(),
	})
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("failed to create follow: %w", err)
	}

	accept := in.renderer.AddContext(in.renderer.RenderAccept(follow, local))
	if _, err := in.deliver.EnqueueActivityDelivery(ctx, local, accept, remote.InboxURI, false); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}
	in.log.Info().Str("follower", remote.ActorURI).Str("followee", local.Username).Msg("inbox.follow_accepted")
	return nil
}

func (in *Inbox) handleUndo(ctx context.Context, object objectRef, remote *domain.RemoteAccount) error {
	switch object.Type {
	case "Follow":
		if err := in.db.DeleteFollowByURI(ctx, object.ID); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		in.log.Info().Str("follower", remote.ActorURI).Msg("inbox.follow_removed")
	case "Block":
		target, _ := object.Raw["object"].(string)
		local, err := in.localActor(ctx, target)
		if err != nil {
			return err
		}
		return in.blocks.Unblock(ctx, remote.Actor(), local)
	}
	return nil
}

// handleRelayAnswer applies a relay's Accept or Reject of our relay Follow.
// Answers to anything else are ignored.
func (in *Inbox) handleRelayAnswer(ctx context.Context, typ string, object objectRef) error {
	relayId, ok := in.renderer.ParseRelayFollowId(object.ID)
	if !ok {
		return nil
	}
	if typ == "Accept" {
		return in.relays.Accepted(ctx, relayId)
	}
	return in.relays.Rejected(ctx, relayId)
}

func (in *Inbox) localActor(ctx context.Context, uri string) (*domain.Actor, error) {
	username, ok := in.renderer.LocalUsername(uri)
	if !ok {
		return nil, fmt.Errorf("not a local actor: %q", uri)
	}
	acc, err := in.db.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("local account not found: %w", err)
	}
	return acc.Actor(in.renderer.SslDomain), nil
}

func (in *Inbox) verifyForwarded(ctx context.Context, body []byte, actorURI string) (*domain.RemoteAccount, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	creator, ok := LdSignatureCreator(doc)
	if !ok {
		return nil, fmt.Errorf("activity is not ld-signed")
	}
	if strings.Split(creator, "#")[0] != actorURI {
		return nil, fmt.Errorf("ld signature creator %q is not the actor", creator)
	}
	actor, err := in.resolver.Resolve(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if err := VerifyLdSignature(doc, actor.PublicKeyPem); err != nil {
		return nil, err
	}
	return actor, nil
}

// verifyDigest checks the Digest header against the body. The signature
// covers the header, so the two together authenticate the body.
func verifyDigest(r *http.Request, body []byte) error {
	header := r.Header.Get("Digest")
	if header == "" {
		return fmt.Errorf("missing digest")
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(algo, "SHA-256") && value == want {
			return nil
		}
	}
	return fmt.Errorf("digest mismatch")
}
