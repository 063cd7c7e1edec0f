package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/real-rm/agentchat/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-validation-0123456789"

// makeToken signs a token with the given claims and secret
func makeToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateTokenSuccess(t *testing.T) {
	validator := NewJWTValidator(testSecret)

	tests := []struct {
		name string
		role event.Role
	}{
		{"agent", event.RoleAgent},
		{"team leader", event.RoleTeamLeader},
		{"super admin", event.RoleSuperAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := makeToken(t, testSecret, jwt.MapClaims{
				"username": "alice",
				"role":     string(tt.role),
				"exp":      time.Now().Add(time.Hour).Unix(),
			})

			claims, err := validator.ValidateToken(token)

			require.NoError(t, err)
			assert.Equal(t, "alice", claims.Username)
			assert.Equal(t, tt.role, claims.Role)
		})
	}
}

func TestValidateTokenEmpty(t *testing.T) {
	validator := NewJWTValidator(testSecret)

	claims, err := validator.ValidateToken("")

	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	validator := NewJWTValidator(testSecret)
	token := makeToken(t, testSecret, jwt.MapClaims{
		"username": "alice",
		"role":     string(event.RoleAgent),
		"exp":      time.Now().Add(-time.Hour).Unix(),
	})

	claims, err := validator.ValidateToken(token)

	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	validator := NewJWTValidator(testSecret)
	token := makeToken(t, "a-completely-different-secret-value-9876543210", jwt.MapClaims{
		"username": "alice",
		"role":     string(event.RoleAgent),
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	claims, err := validator.ValidateToken(token)

	assert.Nil(t, claims)
	assert.Error(t, err)
}

func TestValidateTokenWrongSigningMethod(t *testing.T) {
	validator := NewJWTValidator(testSecret)

	// alg=none tokens must never validate
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"username": "alice",
		"role":     string(event.RoleAgent),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	claims, err := validator.ValidateToken(signed)

	assert.Nil(t, claims)
	assert.Error(t, err)
}

func TestValidateTokenMissingClaims(t *testing.T) {
	validator := NewJWTValidator(testSecret)

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{
			name: "missing username",
			claims: jwt.MapClaims{
				"role": string(event.RoleAgent),
				"exp":  time.Now().Add(time.Hour).Unix(),
			},
		},
		{
			name: "empty username",
			claims: jwt.MapClaims{
				"username": "",
				"role":     string(event.RoleAgent),
				"exp":      time.Now().Add(time.Hour).Unix(),
			},
		},
		{
			name: "missing role",
			claims: jwt.MapClaims{
				"username": "alice",
				"exp":      time.Now().Add(time.Hour).Unix(),
			},
		},
		{
			name: "unknown role",
			claims: jwt.MapClaims{
				"username": "alice",
				"role":     "Janitor",
				"exp":      time.Now().Add(time.Hour).Unix(),
			},
		},
		{
			name: "role is not a string",
			claims: jwt.MapClaims{
				"username": "alice",
				"role":     42,
				"exp":      time.Now().Add(time.Hour).Unix(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := makeToken(t, testSecret, tt.claims)

			claims, err := validator.ValidateToken(token)

			assert.Nil(t, claims)
			assert.ErrorIs(t, err, ErrMissingClaims)
		})
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	validator := NewJWTValidator(testSecret)

	claims, err := validator.ValidateToken("not.a.token")

	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaimsSupervisory(t *testing.T) {
	assert.False(t, (&Claims{Role: event.RoleAgent}).Supervisory())
	assert.True(t, (&Claims{Role: event.RoleTeamLeader}).Supervisory())
	assert.True(t, (&Claims{Role: event.RoleSuperAdmin}).Supervisory())
}
