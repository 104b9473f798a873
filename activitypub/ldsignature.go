package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/domain"
)

const ldSignatureType = "RsaSignature2017"

// AttachLdSignature signs doc in place with the actor's key so relays can
// forward it without the origin's HTTP signature. The actor must be local.
func AttachLdSignature(doc Document, actor *domain.Actor, created time.Time) error {
	if !actor.IsLocal() || actor.PrivateKeyPem == "" {
		return fmt.Errorf("ld signature needs a local actor with a private key")
	}
	privateKey, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return err
	}

	options := map[string]any{
		"type":    ldSignatureType,
		"creator": actor.URI + "#main-key",
		"created": created.UTC().Format(time.RFC3339),
	}
	digest, err := ldDigest(doc, options)
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, digest)
	if err != nil {
		return fmt.Errorf("failed to sign document: %w", err)
	}

	options["signatureValue"] = base64.StdEncoding.EncodeToString(sig)
	doc["signature"] = options
	return nil
}

// LdSignatureCreator returns the keyId named in the document's signature.
func LdSignatureCreator(doc Document) (string, bool) {
	sig, ok := doc["signature"].(map[string]any)
	if !ok {
		return "", false
	}
	creator, ok := sig["creator"].(string)
	return creator, ok
}

// VerifyLdSignature checks the document's RsaSignature2017 against the
// creator's public key.
func VerifyLdSignature(doc Document, publicKeyPem string) error {
	sig, ok := doc["signature"].(map[string]any)
	if !ok {
		return fmt.Errorf("document is not signed")
	}
	if t, _ := sig["type"].(string); t != ldSignatureType {
		return fmt.Errorf("unsupported signature type %q", t)
	}
	value, _ := sig["signatureValue"].(string)
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("malformed signature value: %w", err)
	}

	options := map[string]any{}
	for k, v := range sig {
		if k != "signatureValue" {
			options[k] = v
		}
	}
	unsigned := Document{}
	for k, v := range doc {
		if k != "signature" {
			unsigned[k] = v
		}
	}
	digest, err := ldDigest(unsigned, options)
	if err != nil {
		return err
	}

	publicKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest, raw); err != nil {
		return fmt.Errorf("ld signature verification failed: %w", err)
	}
	return nil
}

// ldDigest hashes the signature options and the document separately and
// signs the concatenation of both hex digests. Map keys are emitted sorted,
// which makes the serialization canonical for equal documents.
func ldDigest(doc Document, options map[string]any) ([]byte, error) {
	opts := map[string]any{"@context": "https://w3id.org/identity/v1"}
	for k, v := range options {
		if k != "type" && k != "id" && k != "signatureValue" {
			opts[k] = v
		}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	optsHash := sha256.Sum256(optsJSON)
	docHash := sha256.Sum256(docJSON)
	toBeSigned := hex.EncodeToString(optsHash[:]) + hex.EncodeToString(docHash[:])
	digest := sha256.Sum256([]byte(toBeSigned))
	return digest[:], nil
}
