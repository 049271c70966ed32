package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessions(t *testing.T) *Sessions {
	t.Helper()
	s, err := NewSessions("test-secret", time.Hour)
	require.NoError(t, err)
	return s
}

func TestIssueAndParse(t *testing.T) {
	s := newSessions(t)

	token, u, err := s.Issue("  Ann  ", "https://example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.DisplayName)
	assert.NotEmpty(t, u.ID)

	got, err := s.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestIssue_RejectsBadProfiles(t *testing.T) {
	s := newSessions(t)
	cases := []struct {
		name, displayName, avatar string
	}{
		{"empty name", "   ", ""},
		{"long name", strings.Repeat("x", MaxDisplayNameLength+1), ""},
		{"bad avatar", "Ann", "javascript:alert(1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Issue(tc.displayName, tc.avatar)
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	s := newSessions(t)
	token, _, err := s.Issue("Ann", "")
	require.NoError(t, err)

	other, err := NewSessions("other-secret", time.Hour)
	require.NoError(t, err)
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = s.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestProviders(t *testing.T) {
	_, ok := Anonymous{}.CurrentUser()
	assert.False(t, ok)

	u, ok := Authenticated(User{ID: "u1", DisplayName: "Ann"}).CurrentUser()
	assert.True(t, ok)
	assert.Equal(t, "u1", u.ID)

	_, ok = Authenticated{}.CurrentUser()
	assert.False(t, ok)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))
}

func TestRequireAuth(t *testing.T) {
	s := newSessions(t)
	token, u, err := s.Issue("Ann", "")
	require.NoError(t, err)

	var seen User
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = got
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, u, seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?token=garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, ok := FromContext(httptest.NewRequest("GET", "/", nil).Context())
	assert.False(t, ok)
}
