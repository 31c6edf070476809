package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_DefaultPolicy(t *testing.T) {
	c := NewChecker(nil)

	cases := []struct {
		role, perm string
		want       bool
	}{
		{"student", PermAttemptCreate, true},
		{"student", PermAttemptViewAll, false},
		{"student", PermPaperAuthor, false},
		{"teacher", PermAttemptViewAll, true},
		{"teacher", PermAttemptSubmit, false},
		{"teacher", PermEventsRead, false},
		{"admin", PermEventsRead, true},
		{"admin", "anything:at-all", true},
		{"ghost", PermPaperView, false},
		{"", PermPaperView, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Has(tc.role, tc.perm), "%s/%s", tc.role, tc.perm)
	}
}

func TestChecker_PrefixWildcard(t *testing.T) {
	c := NewChecker(map[string][]string{"proctor": {"attempt:*"}})
	assert.True(t, c.Has("proctor", PermAttemptViewAll))
	assert.False(t, c.Has("proctor", PermPaperView))
	assert.True(t, c.All("proctor", PermAttemptSave, PermAttemptSubmit))
	assert.False(t, c.All("proctor"))
	assert.True(t, c.Any("proctor", PermPaperView, PermAttemptSave))
	assert.True(t, c.Known("proctor"))
	assert.False(t, c.Known("student"))
}

func TestRequire_WritesJSONForbidden(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Require(PermPaperAuthor)(ok)

	serve := func(role string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/papers/p1", nil)
		if role != "" {
			req = req.WithContext(WithRole(req.Context(), role))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, serve("teacher").Code)

	rec := serve("student")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body["error"])

	assert.Equal(t, http.StatusForbidden, serve("").Code)
}

func TestCan_ReadsRoleFromContext(t *testing.T) {
	ctx := WithRole(context.Background(), "teacher")
	assert.True(t, Can(ctx, PermAttemptViewAll))
	assert.False(t, Can(context.Background(), PermAttemptViewAll))
}
