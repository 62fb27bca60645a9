package configmgmt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated ed25519 keypair in OpenSSH encodings.
type KeyPair struct {
	// PrivatePEM is the OpenSSH PEM-encoded private key.
	PrivatePEM []byte

	// AuthorizedKey is the public key in authorized_keys format.
	AuthorizedKey []byte
}

// GenerateKeyPair creates a new ed25519 keypair.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}

	return &KeyPair{
		PrivatePEM:    pem.EncodeToMemory(block),
		AuthorizedKey: ssh.MarshalAuthorizedKey(sshPub),
	}, nil
}

// ValidatePrivateKey checks that pemBytes holds an unencrypted private key.
func ValidatePrivateKey(pemBytes []byte) error {
	if len(pemBytes) == 0 {
		return fmt.Errorf("private key is empty")
	}
	if _, err := ssh.ParsePrivateKey(pemBytes); err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	return nil
}
