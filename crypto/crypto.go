// Package crypto holds password hashing and SSH host key generation.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/carfigures/carfigures"
	"golang.org/x/crypto/argon2"
	gossh "golang.org/x/crypto/ssh"
)

// Argon2id parameters (OWASP recommended)
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// HashPassword returns an Argon2id hash in PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", carfigures.WithStack(err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword reports whether password matches encodedHash. Malformed
// hashes never match.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expectedHash) == 0 {
		return false
	}

	hash := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(expectedHash)))
	return subtle.ConstantTimeCompare(hash, expectedHash) == 1
}

// HostKey is an SSH host key pair on disk.
type HostKey struct {
	PrivKeyPath   string
	SSHPubKeyPath string
	// Bits defaults to 4096.
	Bits int
}

// Ensure generates the key pair unless the private key already exists.
func (h HostKey) Ensure() error {
	if _, err := os.Stat(h.PrivKeyPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return carfigures.WithStack(err)
	}
	return h.Generate()
}

func (h HostKey) Generate() error {
	bits := h.Bits
	if bits == 0 {
		bits = 4096
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return carfigures.WithStack(err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
		})
	if err := os.WriteFile(h.PrivKeyPath, keyPEM, 0600); err != nil {
		return carfigures.WithStack(err)
	}

	pub, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return carfigures.WithStack(err)
	}
	if err := os.WriteFile(h.SSHPubKeyPath, gossh.MarshalAuthorizedKey(pub), 0600); err != nil {
		return carfigures.WithStack(err)
	}
	return nil
}
