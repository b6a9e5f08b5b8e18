package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/edgekit/cloudlink/pkg/file"
)

// DefaultKeyBufferSize bounds how large a private key file may be.
const DefaultKeyBufferSize = 256

// DefaultTokenExpiry is the validity window of a freshly signed token.
const DefaultTokenExpiry = 3600 * time.Second

// Credential holds the raw key material and the identity it signs for.
// Immutable once loaded; lives for the whole process.
type Credential struct {
	PEM        []byte
	Algorithm  string
	ProjectID  string
	DevicePath string
}

// AuthToken is a signed, time-bounded credential presented as the
// connection password. Discard after use; never present past ExpiresAt.
type AuthToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresWithin reports whether the token expires within the given window.
func (t AuthToken) ExpiresWithin(d time.Duration) bool {
	return !time.Now().Add(d).Before(t.ExpiresAt)
}

// ProviderInterface defines methods to load key material and mint tokens.
type ProviderInterface interface {
	Load(path string) (*Credential, error)
	Sign(cred *Credential, expiry time.Duration) (AuthToken, error)
}

// Provider loads an ES256 private key and signs time-bounded JWTs with it.
type Provider struct {
	ProjectID  string
	DevicePath string
	Capacity   int64

	fileOps file.FileOperations
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProvider creates a Provider for the given identity. Capacity limits the
// accepted private key file size, matching the fixed key buffer of the device.
func NewProvider(projectID, devicePath string, capacity int64, fileOps file.FileOperations, logger zerolog.Logger) *Provider {
	if capacity <= 0 {
		capacity = DefaultKeyBufferSize
	}
	return &Provider{
		ProjectID:  projectID,
		DevicePath: devicePath,
		Capacity:   capacity,
		fileOps:    fileOps,
		logger:     logger,
		now:        time.Now,
	}
}

// Load reads the PEM encoded private key at path. It fails with a KeyLoadError
// when the file is absent, larger than the key buffer, or short-read.
func (p *Provider) Load(path string) (*Credential, error) {
	exists, err := p.fileOps.IsFileExists(path)
	if err != nil || !exists {
		return nil, &KeyLoadError{Path: path, Reason: ReasonNotFound, Err: err}
	}

	size, err := p.fileOps.FileSize(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Reason: ReasonNotFound, Err: err}
	}
	if size > p.Capacity {
		return nil, &KeyLoadError{Path: path, Reason: ReasonTooLarge, Size: size, Capacity: p.Capacity}
	}

	data, err := p.fileOps.ReadFileRaw(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Reason: ReasonNotFound, Err: err}
	}
	if int64(len(data)) < size {
		return nil, &KeyLoadError{Path: path, Reason: ReasonTruncated, Size: size, Read: int64(len(data)), Capacity: p.Capacity}
	}

	p.logger.Debug().Str("path", path).Int64("size", size).Msg("Loaded private key")

	return &Credential{
		PEM:        data,
		Algorithm:  "ES256",
		ProjectID:  p.ProjectID,
		DevicePath: p.DevicePath,
	}, nil
}

// Sign mints a JWT valid for the given window, with the project as audience.
// The token is an opaque string consumed only by the transport's connect.
func (p *Provider) Sign(cred *Credential, expiry time.Duration) (AuthToken, error) {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}

	key, err := jwt.ParseECPrivateKeyFromPEM(cred.PEM)
	if err != nil {
		return AuthToken{}, &SigningError{Code: "invalid_key", Err: err}
	}

	issuedAt := p.now()
	expiresAt := issuedAt.Add(expiry)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Audience:  jwt.ClaimStrings{cred.ProjectID},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		return AuthToken{}, &SigningError{Code: "sign_failed", Err: err}
	}

	p.logger.Debug().Time("expires_at", expiresAt).Msg("Signed authentication token")

	return AuthToken{Token: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}
