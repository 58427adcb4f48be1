package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := GenerateJWT(&JWTClaims{
		UserID:    42,
		Email:     "ada@example.com",
		Role:      "staff",
		Type:      "access",
		ExpiresAt: now.Add(time.Hour).Unix(),
		IssuedAt:  now.Unix(),
	}, "secret")
	require.NoError(t, err)

	claims, err := ValidateJWT(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "staff", claims.Role)
	assert.Equal(t, "access", claims.Type)

	_, err = ValidateJWT(token, "other-secret")
	assert.Error(t, err)
}

func TestJWTExpired(t *testing.T) {
	token, err := GenerateJWT(&JWTClaims{
		UserID:    1,
		Type:      "access",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}, "secret")
	require.NoError(t, err)

	_, err = ValidateJWT(token, "secret")
	assert.Error(t, err)
}

func TestJWTRejectsForeignTokens(t *testing.T) {
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"type": "access"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ValidateJWT(noUser, "secret")
	assert.Error(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"user_id": "1", "type": "access"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ValidateJWT(hs512, "secret")
	assert.Error(t, err, "only HS256 is accepted")
}

type quietHoursRequest struct {
	Start    string `json:"quiet_hours_start" validate:"omitempty,hhmm"`
	Timezone string `json:"timezone" validate:"omitempty,tz"`
	Name     string `json:"name" validate:"required"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(&quietHoursRequest{Start: "22:30", Timezone: "Africa/Lagos", Name: "x"}))

	err := ValidateStruct(&quietHoursRequest{Start: "25:00", Name: "x"})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "quiet_hours_start", fe.Field)
	assert.Contains(t, fe.Message, "HH:MM")

	err = ValidateStruct(&quietHoursRequest{Timezone: "Mars/Olympus"})
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "timezone", fe.Field)
	assert.Contains(t, fe.Message, "name is required")
}

func TestRespondWithFieldError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithFieldError(rec, "webhook_url", "webhook_url is required")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "webhook_url", body.Field)
}
