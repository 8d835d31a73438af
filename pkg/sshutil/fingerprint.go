// Package sshutil formats public key fingerprints the way OpenSSH does.
package sshutil

import (
	"crypto"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// GetFingerprint calculates the SHA256 fingerprint of a public key
func GetFingerprint(pub crypto.PublicKey) (string, error) {
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "failed to convert public key")
	}
	return ssh.FingerprintSHA256(key), nil
}

// FingerprintMatches checks if two public keys have the same fingerprint
func FingerprintMatches(pub1, pub2 crypto.PublicKey) (bool, error) {
	fp1, err := GetFingerprint(pub1)
	if err != nil {
		return false, err
	}

	fp2, err := GetFingerprint(pub2)
	if err != nil {
		return false, err
	}

	return fp1 == fp2, nil
}
