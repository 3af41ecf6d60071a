package credentials

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/db"
)

// Credential types understood by the resolver.
const (
	TypePassword = "password"
	TypeSSHKey   = "ssh_key"
)

// ErrNoCredentials is returned when a communication method has no credential
// that decrypts and validates. Callers classify it as an authentication
// failure: fatal, never retried.
var ErrNoCredentials = errors.New("credentials: no valid credentials attached to communication method")

// Resolved is the plaintext credential handed to a transport connector,
// a tagged variant over Type:
//
//	password: Username + Password
//	ssh_key:  Username + PrivateKey, optional Passphrase
//
// Resolved values must stay on the stack of the connecting goroutine.
type Resolved struct {
	Type       string
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// String keeps secret material out of formatted output: only the type and
// username survive, which is all diagnostics are allowed to carry.
func (r *Resolved) String() string {
	return fmt.Sprintf("credential{type=%s username=%s}", r.Type, r.Username)
}

// Resolver materialises plaintext credentials on demand from the encrypted
// blobs attached to a communication method.
type Resolver struct {
	dec Decryptor
	log *zap.Logger
}

// NewResolver returns a resolver that decrypts with dec.
func NewResolver(dec Decryptor, log *zap.Logger) *Resolver {
	return &Resolver{dec: dec, log: log.Named("credentials")}
}

// Resolve scans the method's credentials in stored order and returns the
// first one that decrypts and carries the fields its type requires.
// Candidates with an empty blob are skipped; candidates that fail to decrypt
// or validate are skipped with a diagnostic that never includes secret
// material. If nothing validates, Resolve fails with ErrNoCredentials.
func (r *Resolver) Resolve(method *db.CommunicationMethod) (*Resolved, error) {
	for i := range method.Credentials {
		cred := &method.Credentials[i]
		if cred.EncryptedCredentials == "" {
			continue
		}

		plain, err := r.dec.Decrypt(cred.EncryptedCredentials)
		if err != nil {
			r.log.Warn("credential blob failed to decrypt",
				zap.Uint64("credential_id", cred.ID),
				zap.String("credential_type", cred.CredentialType),
				zap.Error(err))
			continue
		}

		resolved, err := fromMap(cred.CredentialType, plain)
		if err != nil {
			r.log.Warn("credential failed validation",
				zap.Uint64("credential_id", cred.ID),
				zap.String("credential_type", cred.CredentialType),
				zap.Error(err))
			continue
		}
		return resolved, nil
	}
	return nil, ErrNoCredentials
}

// fromMap validates the decrypted map against the credential type's required
// fields and shapes it into a Resolved variant.
func fromMap(credType string, plain map[string]string) (*Resolved, error) {
	switch credType {
	case TypePassword:
		if plain["username"] == "" || plain["password"] == "" {
			return nil, fmt.Errorf("credentials: password credential requires username and password")
		}
		return &Resolved{
			Type:     TypePassword,
			Username: plain["username"],
			Password: plain["password"],
		}, nil

	case TypeSSHKey:
		if plain["username"] == "" || plain["private_key"] == "" {
			return nil, fmt.Errorf("credentials: ssh_key credential requires username and private_key")
		}
		return &Resolved{
			Type:       TypeSSHKey,
			Username:   plain["username"],
			PrivateKey: plain["private_key"],
			Passphrase: plain["passphrase"],
		}, nil

	default:
		return nil, fmt.Errorf("credentials: unknown credential type %q", credType)
	}
}
