package activitypub

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

// signedHeaders are covered by every outbound signature. The digest binds
// the body, so the signer needs the exact bytes the request will carry.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

var errNoPEM = errors.New("no PEM block")

// SignRequest adds Digest and Signature headers to req for the key keyId,
// usually "<actor uri>#main-key".
func SignRequest(req *http.Request, key *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, signedHeaders, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	return signer.SignRequest(key, keyId, req, body)
}

// KeyIdOf names the key the request claims to be signed with. The inbox
// resolves its owner before anything is verified.
func KeyIdOf(req *http.Request) (string, error) {
	v, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", err
	}
	if v.KeyId() == "" {
		return "", errors.New("signature has no keyId")
	}
	return v.KeyId(), nil
}

// VerifyRequest checks the signature against publicKeyPem and returns the
// key owner, which is the keyId without its fragment.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	key, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	v, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", err
	}
	if err := v.Verify(key, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("verify %s: %w", v.KeyId(), err)
	}
	owner, _, _ := strings.Cut(v.KeyId(), "#")
	return owner, nil
}

func decodePEM(s string) (*pem.Block, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errNoPEM
	}
	return block, nil
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 RSA keys.
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if rsaKey, ok := key.(*rsa.PrivateKey); ok {
		return rsaKey, nil
	}
	return nil, fmt.Errorf("private key: %T is not RSA", key)
}

// ParsePublicKey accepts PKIX and PKCS#1 RSA keys.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if rsaKey, ok := key.(*rsa.PublicKey); ok {
		return rsaKey, nil
	}
	return nil, fmt.Errorf("public key: %T is not RSA", key)
}
