package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local user. Its key pair signs everything the server delivers
// on the user's behalf.
type Account struct {
	Id            uuid.UUID
	Username      string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
	IsSystem      bool
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tSystem: %t \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.IsSystem, acc.CreatedAt)
}

// RemoteAccount represents a cached federated user
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	LastFetchedAt  time.Time
}

// Actor is the identity a delivery is made for or to. Host is empty for
// local actors; only local actors carry a private key.
type Actor struct {
	Id             uuid.UUID
	Username       string
	Host           string
	URI            string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	PrivateKeyPem  string
}

func (a *Actor) IsLocal() bool {
	return a.Host == ""
}

func (a *Actor) IsRemote() bool {
	return a.Host != ""
}

// PreferredInbox returns the shared inbox when the remote server advertises
// one, so several followers on one host cost a single delivery.
func (a *Actor) PreferredInbox() (inbox string, shared bool) {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI, true
	}
	return a.InboxURI, false
}

// Actor builds the delivery identity of a local account.
func (acc *Account) Actor(sslDomain string) *Actor {
	uri := fmt.Sprintf("https://%s/users/%s", sslDomain, acc.Username)
	return &Actor{
		Id:            acc.Id,
		Username:      acc.Username,
		URI:           uri,
		InboxURI:      uri + "/inbox",
		PublicKeyPem:  acc.WebPublicKey,
		PrivateKeyPem: acc.WebPrivateKey,
	}
}

// Actor builds the delivery identity of a remote account.
func (ra *RemoteAccount) Actor() *Actor {
	return &Actor{
		Id:             ra.Id,
		Username:       ra.Username,
		Host:           ra.Domain,
		URI:            ra.ActorURI,
		InboxURI:       ra.InboxURI,
		SharedInboxURI: ra.SharedInboxURI,
		PublicKeyPem:   ra.PublicKeyPem,
	}
}
