package web

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathPrefixer(t *testing.T) {
	assert.Equal(t, "/flush", PathPrefixer("")("/flush"))
	assert.Equal(t, "/flush", PathPrefixer("/")("/flush"))
	assert.Equal(t, "/gate/flush", PathPrefixer("gate")("/flush"))
	assert.Equal(t, "/gate/api/v1", PathPrefixer("/gate/")("api/v1"))
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		UUID string `json:"uuid"`
	}
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"uuid":"abc"}`))
	require.NoError(t, DecodeJSON(req, &v))
	assert.Equal(t, "abc", v.UUID)

	req = httptest.NewRequest("POST", "/", strings.NewReader(""))
	assert.ErrorIs(t, DecodeJSON(req, &v), ErrEmptyBody)

	req = httptest.NewRequest("POST", "/", strings.NewReader("{"))
	err := DecodeJSON(req, &v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyBody)
}

func TestRenderJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, RenderJSON(w, map[string]int{"a": 1}))
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, w.Body.String())
}
