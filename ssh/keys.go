package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/errors"
)

// PrivateKeyNotFoundError is returned by FindPrivateKey when no key pair in
// the searched directory matches the expected public key.
type PrivateKeyNotFoundError struct {
	Dir       string
	PublicKey string
}

func (e *PrivateKeyNotFoundError) Error() string {
	return fmt.Sprintf("couldn't find private key in %s matching public key:\n%s", e.Dir, e.PublicKey)
}

// FindPrivateKey scans dir for key pairs and returns the path of the private
// key whose ".pub" counterpart's trimmed contents exactly equal publicKey.
// The comparison is byte-for-byte after trimming surrounding whitespace;
// fingerprints and alternate encodings of the same key do not match.
func FindPrivateKey(dir, publicKey string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, "couldn't read key directory")
	}

	want := strings.TrimSpace(publicKey)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}

		pubPath := filepath.Join(dir, entry.Name()+".pub")
		data, err := os.ReadFile(pubPath)
		if err != nil {
			continue
		}

		if strings.TrimSpace(string(data)) == want {
			return filepath.Join(dir, entry.Name()), nil
		}
	}

	return "", &PrivateKeyNotFoundError{Dir: dir, PublicKey: publicKey}
}

// GenerateKeyPair writes a new RSA-4096 key pair into dir as name and
// name.pub and returns the private key path. The public key is written in
// authorized_keys format so the vendor account can register it verbatim.
func GenerateKeyPair(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Wrap(err, "couldn't create key directory")
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return "", errors.Wrap(err, "couldn't generate RSA key")
	}

	privPath := filepath.Join(dir, name)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return "", errors.Wrap(err, "couldn't write private key")
	}

	pubKey, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return "", errors.Wrap(err, "couldn't derive public key")
	}

	pubPath := privPath + ".pub"
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(pubKey), 0644); err != nil {
		return "", errors.Wrap(err, "couldn't write public key")
	}

	return privPath, nil
}
