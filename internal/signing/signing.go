// Package signing verifies client signatures and derives peer fingerprints
// from public keys.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
)

// ErrInvalidPEM is returned when a key is not PEM framed.
var ErrInvalidPEM = errors.New("invalid PEM format")

// Verify reports whether signature (standard base64) is a valid RSA
// PKCS#1 v1.5 SHA-512 signature of data under publicKeyPEM. Malformed input
// yields false.
func Verify(data, signature, publicKeyPEM string) bool {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha512.Sum512([]byte(data))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest[:], sig) == nil
}

// ParsePublicKey decodes an RSA public key in PKIX ("PUBLIC KEY") or
// PKCS#1 ("RSA PUBLIC KEY") form.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Fingerprint derives the identity of a public key: the hex SHA-256 of the
// base64 body text between the PEM armour lines, with line feeds removed.
// The text is hashed as sent, not the decoded key bytes, so the result
// matches what clients compute.
func Fingerprint(publicKeyPEM string) (string, error) {
	body, err := pemBody(publicKeyPEM)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(strings.ReplaceAll(body, "\n", "")))
	return hex.EncodeToString(sum[:]), nil
}

// pemBody returns the raw text between "-----BEGIN <label>-----" and the
// matching "-----END <label>-----".
func pemBody(s string) (string, error) {
	const begin, dashes = "-----BEGIN ", "-----"

	for {
		i := strings.Index(s, begin)
		if i < 0 {
			return "", ErrInvalidPEM
		}
		s = s[i+len(begin):]

		line := s
		if eol := strings.IndexAny(line, "\r\n"); eol >= 0 {
			line = line[:eol]
		}
		j := strings.LastIndex(line, dashes)
		if j < 0 {
			continue
		}
		label := line[:j]
		rest := s[j+len(dashes):]

		k := strings.IndexByte(rest, '-')
		if k < 0 {
			return "", ErrInvalidPEM
		}
		if strings.HasPrefix(rest[k:], "-----END "+label+dashes) {
			return rest[:k], nil
		}
	}
}

// Sign produces the signature Verify accepts. Clients sign link requests
// this way; the server uses it only in tooling and tests.
func Sign(data string, key *rsa.PrivateKey) (string, error) {
	digest := sha512.Sum512([]byte(data))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA512, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// EncodePublicKey renders key as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
