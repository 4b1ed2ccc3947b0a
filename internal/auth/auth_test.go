package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(header, cookie string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: cookieName, Value: cookie})
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	a := New("secret", "sys-key")

	userToken, err := a.Issue("alice", false, time.Hour)
	require.NoError(t, err)
	adminToken, err := a.Issue("root", true, time.Hour)
	require.NoError(t, err)

	t.Run("bearer jwt", func(t *testing.T) {
		id, err := a.Authenticate(request("Bearer "+userToken, ""))
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: "alice"}, id)
	})

	t.Run("cookie jwt with admin claim", func(t *testing.T) {
		id, err := a.Authenticate(request("", adminToken))
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: "root", Admin: true}, id)
	})

	t.Run("system key", func(t *testing.T) {
		id, err := a.Authenticate(request("Bearer sys-key", ""))
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: SystemUserID, Admin: true}, id)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := a.Authenticate(request("", ""))
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("wrong secret", func(t *testing.T) {
		forged, err := New("other", "").Issue("mallory", true, time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(request("Bearer "+forged, ""))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		old := New("secret", "")
		old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		expired, err := old.Issue("alice", false, time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(request("Bearer "+expired, ""))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other algorithm", func(t *testing.T) {
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = a.Authenticate(request("Bearer "+none, ""))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("system key disabled when empty", func(t *testing.T) {
		b := New("secret", "")
		_, err := b.Authenticate(request("Bearer ", ""))
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}
