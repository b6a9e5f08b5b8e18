package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockFileOperations is a mock implementation of the file.FileOperations interface.
type MockFileOperations struct {
	mock.Mock
}

func (m *MockFileOperations) IsFileExists(filePath string) (bool, error) {
	args := m.Called(filePath)
	return args.Bool(0), args.Error(1)
}

func (m *MockFileOperations) FileSize(filePath string) (int64, error) {
	args := m.Called(filePath)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockFileOperations) ReadFile(filePath string) (string, error) {
	args := m.Called(filePath)
	return args.String(0), args.Error(1)
}

func (m *MockFileOperations) ReadFileRaw(filePath string) ([]byte, error) {
	args := m.Called(filePath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockFileOperations) ReadYamlFile(filePath string, v any) error {
	args := m.Called(filePath, v)
	return args.Error(0)
}

// generateECKeyPEM returns a PEM encoded P-256 private key and its public half.
func generateECKeyPEM(t *testing.T) ([]byte, *ecdsa.PublicKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return pemBytes, &key.PublicKey
}

func TestProvider_Load_Success(t *testing.T) {
	mockFiles := new(MockFileOperations)
	logger := zerolog.Nop()

	keyData := make([]byte, 180)
	mockFiles.On("IsFileExists", "ec_private.pem").Return(true, nil)
	mockFiles.On("FileSize", "ec_private.pem").Return(int64(180), nil)
	mockFiles.On("ReadFileRaw", "ec_private.pem").Return(keyData, nil)

	p := NewProvider("proj-1", "dev-1", 256, mockFiles, logger)
	cred, err := p.Load("ec_private.pem")

	assert.NoError(t, err)
	assert.Equal(t, "ES256", cred.Algorithm)
	assert.Equal(t, "proj-1", cred.ProjectID)
	assert.Equal(t, "dev-1", cred.DevicePath)
	assert.Len(t, cred.PEM, 180)
	mockFiles.AssertExpectations(t)
}

func TestProvider_Load_NotFound(t *testing.T) {
	mockFiles := new(MockFileOperations)

	mockFiles.On("IsFileExists", "ec_private.pem").Return(false, nil)

	p := NewProvider("proj-1", "dev-1", 256, mockFiles, zerolog.Nop())
	cred, err := p.Load("ec_private.pem")

	assert.Nil(t, cred)
	var loadErr *KeyLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ReasonNotFound, loadErr.Reason)
	assert.Contains(t, err.Error(), "ec_private.pem")
	mockFiles.AssertNotCalled(t, "ReadFileRaw", mock.Anything)
}

func TestProvider_Load_TooLarge(t *testing.T) {
	mockFiles := new(MockFileOperations)

	mockFiles.On("IsFileExists", "big.pem").Return(true, nil)
	mockFiles.On("FileSize", "big.pem").Return(int64(300), nil)

	p := NewProvider("proj-1", "dev-1", 256, mockFiles, zerolog.Nop())
	_, err := p.Load("big.pem")

	var loadErr *KeyLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ReasonTooLarge, loadErr.Reason)
	assert.Equal(t, int64(300), loadErr.Size)
	assert.Equal(t, int64(256), loadErr.Capacity)
	mockFiles.AssertNotCalled(t, "ReadFileRaw", mock.Anything)
}

func TestProvider_Load_SucceedsUpToCapacity(t *testing.T) {
	for _, size := range []int64{0, 1, 255, 256} {
		mockFiles := new(MockFileOperations)
		mockFiles.On("IsFileExists", "k.pem").Return(true, nil)
		mockFiles.On("FileSize", "k.pem").Return(size, nil)
		mockFiles.On("ReadFileRaw", "k.pem").Return(make([]byte, size), nil)

		p := NewProvider("proj-1", "dev-1", 256, mockFiles, zerolog.Nop())
		_, err := p.Load("k.pem")
		assert.NoError(t, err, "size %d within capacity must load", size)
	}
}

func TestProvider_Load_Truncated(t *testing.T) {
	mockFiles := new(MockFileOperations)

	mockFiles.On("IsFileExists", "short.pem").Return(true, nil)
	mockFiles.On("FileSize", "short.pem").Return(int64(200), nil)
	mockFiles.On("ReadFileRaw", "short.pem").Return(make([]byte, 150), nil)

	p := NewProvider("proj-1", "dev-1", 256, mockFiles, zerolog.Nop())
	_, err := p.Load("short.pem")

	var loadErr *KeyLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ReasonTruncated, loadErr.Reason)
	assert.Equal(t, int64(150), loadErr.Read)
}

func TestProvider_Load_ReadError(t *testing.T) {
	mockFiles := new(MockFileOperations)

	mockFiles.On("IsFileExists", "gone.pem").Return(true, nil)
	mockFiles.On("FileSize", "gone.pem").Return(int64(100), nil)
	mockFiles.On("ReadFileRaw", "gone.pem").Return(nil, os.ErrNotExist)

	p := NewProvider("proj-1", "dev-1", 256, mockFiles, zerolog.Nop())
	_, err := p.Load("gone.pem")

	var loadErr *KeyLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ReasonNotFound, loadErr.Reason)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestProvider_Sign_ClaimsAndExpiry(t *testing.T) {
	pemBytes, pub := generateECKeyPEM(t)

	p := NewProvider("proj-1", "dev-1", 0, nil, zerolog.Nop())
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return issued }

	cred := &Credential{PEM: pemBytes, Algorithm: "ES256", ProjectID: "proj-1", DevicePath: "dev-1"}
	token, err := p.Sign(cred, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.Equal(t, issued, token.IssuedAt)
	assert.Equal(t, issued.Add(time.Hour), token.ExpiresAt)

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token.Token, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return pub, nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, issued.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, issued.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	assert.Contains(t, claims.Audience, "proj-1")
}

func TestProvider_Sign_DistinctIssueTimesDistinctTokens(t *testing.T) {
	pemBytes, _ := generateECKeyPEM(t)

	p := NewProvider("proj-1", "dev-1", 0, nil, zerolog.Nop())
	cred := &Credential{PEM: pemBytes, ProjectID: "proj-1"}

	p.now = func() time.Time { return time.Unix(1000, 0) }
	first, err := p.Sign(cred, time.Hour)
	require.NoError(t, err)

	p.now = func() time.Time { return time.Unix(2000, 0) }
	second, err := p.Sign(cred, time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
}

func TestProvider_Sign_InvalidKey(t *testing.T) {
	p := NewProvider("proj-1", "dev-1", 0, nil, zerolog.Nop())
	cred := &Credential{PEM: []byte("not a pem key"), ProjectID: "proj-1"}

	_, err := p.Sign(cred, time.Hour)

	var signErr *SigningError
	require.ErrorAs(t, err, &signErr)
	assert.Equal(t, "invalid_key", signErr.Code)
}

func TestAuthToken_ExpiresWithin(t *testing.T) {
	token := AuthToken{ExpiresAt: time.Now().Add(30 * time.Second)}

	assert.True(t, token.ExpiresWithin(time.Minute))
	assert.False(t, token.ExpiresWithin(time.Second))
}
