package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	id := uuid.New()
	tok, err := svc.Generate(id, "Ana")
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, id.String(), claims.Identity())
	assert.Equal(t, "Ana", claims.Name)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	tok, err := NewJWTService("one", 1).Generate(uuid.New(), "x")
	require.NoError(t, err)
	_, err = NewJWTService("two", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = NewJWTService("two", 1).Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	svc := NewJWTService("secret", -1)
	tok, err := svc.Generate(uuid.New(), "late")
	require.NoError(t, err)
	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
