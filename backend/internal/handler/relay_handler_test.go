package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/auth"
	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/store"
)

var secret = []byte("handler-test-secret")

type fakeProfiles map[string]*store.UserProfile

func (f fakeProfiles) GetProfile(_ context.Context, id string) (*store.UserProfile, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return f[id], nil
}

type fakeMembers []cache.Member

func (f fakeMembers) Members(context.Context, string) ([]cache.Member, error) { return f, nil }

func newRouter(profiles ProfileFinder, members MemberLister, dev bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewRelayHandler(profiles, members, secret).Register(r, dev)
	return r
}

func do(r http.Handler, method, url, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func tokenFor(t *testing.T, id, name string) string {
	t.Helper()
	tok, _, err := auth.SignAccessToken(secret, id, name, time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}
	return tok
}

func TestProfile(t *testing.T) {
	profiles := fakeProfiles{"u1": {ID: "u1", Name: "Ada Lovelace", Avatar: "https://img/ada.png"}}
	r := newRouter(profiles, fakeMembers(nil), false)

	cases := []struct {
		name       string
		token      string
		wantStatus int
		wantName   string
		wantAvatar string
	}{
		{"stored profile", tokenFor(t, "u1", "ada"), http.StatusOK, "Ada Lovelace", "https://img/ada.png"},
		{"falls back to token", tokenFor(t, "u2", "grace"), http.StatusOK, "grace", ""},
		{"store error", tokenFor(t, "broken", "x"), http.StatusInternalServerError, "", ""},
		{"no token", "", http.StatusUnauthorized, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/v1/profile", tc.token, "")
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tc.wantStatus, w.Body.String())
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			var got struct{ ID, Name, Avatar string }
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got.Name != tc.wantName || got.Avatar != tc.wantAvatar {
				t.Fatalf("profile = %+v", got)
			}
		})
	}
}

func TestProfileWithoutStore(t *testing.T) {
	r := newRouter(nil, fakeMembers(nil), false)
	w := do(r, http.MethodGet, "/v1/profile", tokenFor(t, "u1", "ada"), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"ada"`) {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestMembers(t *testing.T) {
	r := newRouter(nil, fakeMembers{{UserID: "u1", Name: "ada"}}, false)
	w := do(r, http.MethodGet, "/collab/rooms/doc-1/members", tokenFor(t, "u1", "ada"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		Room    string         `json:"room"`
		Members []cache.Member `json:"members"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Room != "doc-1" || len(got.Members) != 1 || got.Members[0].UserID != "u1" {
		t.Fatalf("members = %+v", got)
	}

	empty := newRouter(nil, fakeMembers(nil), false)
	w = do(empty, http.MethodGet, "/collab/rooms/doc-1/members", tokenFor(t, "u1", "ada"), "")
	if !strings.Contains(w.Body.String(), `"members":[]`) {
		t.Fatalf("body = %s, want empty list", w.Body.String())
	}
}

func TestDevToken(t *testing.T) {
	off := newRouter(nil, fakeMembers(nil), false)
	if w := do(off, http.MethodPost, "/v1/dev/token", "", `{"userId":"u1"}`); w.Code != http.StatusNotFound {
		t.Fatalf("dev token without devTokens status = %d, want 404", w.Code)
	}

	r := newRouter(nil, fakeMembers(nil), true)
	if w := do(r, http.MethodPost, "/v1/dev/token", "", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing userId status = %d, want 400", w.Code)
	}
	w := do(r, http.MethodPost, "/v1/dev/token", "", `{"userId":"u7","username":"lin"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got struct{ Token string }
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	claims, err := auth.ParseAccessToken(secret, got.Token)
	if err != nil || claims.UserID != "u7" || claims.Username != "lin" {
		t.Fatalf("claims = %+v, err = %v", claims, err)
	}
}

func TestHealthz(t *testing.T) {
	r := newRouter(nil, fakeMembers(nil), false)
	if w := do(r, http.MethodGet, "/collab/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
