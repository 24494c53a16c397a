package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/forge/pkg/crypto"
	"github.com/splax/forge/pkg/jwt"
	"github.com/splax/forge/pkg/logger"
)

const (
	recordFile = "credentials.json"
	keyFile    = ".key"
	keyPurpose = "forge credential store v1"
)

var (
	// ErrNoCredential is returned when no usable token is available.
	ErrNoCredential = errors.New("no stored credential")
	// ErrInvalidToken is returned when Save receives a token that fails validation.
	ErrInvalidToken = errors.New("invalid JWT token format")
)

// Source tells where a token came from.
type Source string

const (
	SourceEnv  Source = "environment"
	SourceFile Source = "file"
)

// Info summarises the claims of the active token.
type Info struct {
	UserID    string
	Email     string
	ExpiresAt *time.Time
	IssuedAt  *time.Time
	Source    Source
}

// record is the on-disk layout of the credential file.
type record struct {
	Token     string `json:"token"`
	Encrypted bool   `json:"encrypted"`
	Timestamp int64  `json:"timestamp"`
}

// stored is the tagged variant a record resolves to at load time.
type stored interface{ stored() }

type sealedToken struct{ payload string }

type plainToken struct{ token string }

func (sealedToken) stored() {}
func (plainToken) stored()  {}

// Store persists the bearer token under a per-user config directory.
type Store struct {
	dir      string
	envToken string
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithEnvToken sets an override token consulted before the file.
func WithEnvToken(token string) Option {
	return func(s *Store) { s.envToken = strings.TrimSpace(token) }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, logger: logger.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the credential file location.
func (s *Store) Path() string { return filepath.Join(s.dir, recordFile) }

// Token returns a valid token. The environment override wins when it is
// valid; a stored token that no longer validates is deleted.
func (s *Store) Token() (string, error) {
	token, _, err := s.token()
	return token, err
}

func (s *Store) token() (string, Source, error) {
	if s.envToken != "" {
		if _, err := jwt.Validate(s.envToken, s.now()); err == nil {
			return s.envToken, SourceEnv, nil
		}
		s.logger.Warn("ignoring invalid token from environment")
	}

	value, err := s.load()
	if err != nil {
		return "", "", err
	}

	var token string
	switch v := value.(type) {
	case sealedToken:
		token = s.unseal(v.payload)
	case plainToken:
		token = v.token
		if err := s.Save(token); err != nil {
			s.logger.Debug("legacy plaintext token not re-saved", "error", err)
		}
	}

	if _, err := jwt.Validate(token, s.now()); err != nil {
		s.logger.Debug("stored token rejected", "error", err)
		if clearErr := s.Clear(); clearErr != nil {
			s.logger.Warn("remove stale credential", "error", clearErr)
		}
		return "", "", ErrNoCredential
	}
	return token, SourceFile, nil
}

func (s *Store) load() (stored, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("credential file unreadable, removing", "error", err)
		_ = s.Clear()
		return nil, ErrNoCredential
	}
	if strings.TrimSpace(rec.Token) == "" {
		return nil, ErrNoCredential
	}
	if rec.Encrypted {
		return sealedToken{payload: rec.Token}, nil
	}
	return plainToken{token: rec.Token}, nil
}

// unseal decrypts payload, treating it as a legacy plaintext token when it
// does not decrypt.
func (s *Store) unseal(payload string) string {
	key, err := s.key(false)
	if err != nil {
		s.logger.Warn("token decryption failed, assuming plaintext format", "error", err)
		return payload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.logger.Warn("token decryption failed, assuming plaintext format", "error", err)
		return payload
	}
	plain, err := crypto.Open(key, raw)
	if err != nil {
		s.logger.Warn("token decryption failed, assuming plaintext format", "error", err)
		return payload
	}
	return string(plain)
}

// Save validates and persists token. Encryption problems downgrade to a
// plaintext record rather than failing the login.
func (s *Store) Save(token string) error {
	token = strings.TrimSpace(token)
	if _, err := jwt.Validate(token, s.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := s.ensureDir(); err != nil {
		return err
	}

	rec := record{Token: token, Timestamp: s.now().UnixMilli()}
	if sealed, err := s.seal(token); err != nil {
		s.logger.Warn("token encryption failed, storing in plaintext", "error", err)
	} else {
		rec.Token = sealed
		rec.Encrypted = true
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	return writePrivate(s.Path(), data)
}

func (s *Store) seal(token string) (string, error) {
	key, err := s.key(true)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(key, []byte(token))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// key loads the master key and derives the AES key. When create is set a
// missing master key is generated.
func (s *Store) key(create bool) ([]byte, error) {
	path := filepath.Join(s.dir, keyFile)
	master, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && create {
		master, err = crypto.NewKey()
		if err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := writePrivate(path, master); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	return crypto.DeriveKey(master, keyPurpose)
}

// Clear removes the stored token. A missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// Info decodes the active token's claims without verifying the signature.
func (s *Store) Info() (*Info, error) {
	token, source, err := s.token()
	if err != nil {
		return nil, err
	}
	claims, err := jwt.Decode(token)
	if err != nil {
		return nil, err
	}
	info := &Info{UserID: claims.Identity(), Email: claims.Email, Source: source}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time
		info.ExpiresAt = &t
	}
	if claims.IssuedAt != nil {
		t := claims.IssuedAt.Time
		info.IssuedAt = &t
	}
	return info, nil
}

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.Chmod(s.dir, 0o700); err != nil {
		s.logger.Warn("could not set secure permissions on config directory", "error", err)
	}
	return nil
}

func writePrivate(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	return nil
}
