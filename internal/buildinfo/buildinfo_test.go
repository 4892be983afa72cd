package buildinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewer(t *testing.T) {
	newer, err := Newer("v0.1.0", "v0.2.0")
	require.NoError(t, err)
	assert.True(t, newer)

	newer, err = Newer("1.0.0", "v1.0.0")
	require.NoError(t, err)
	assert.False(t, newer)

	_, err = Newer("dev", "v1.0.0")
	assert.Error(t, err)
}

func TestCheckForUpdates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0"}`))
	}))
	defer server.Close()

	latest, err := CheckForUpdates(context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "v99.0.0", latest)
}

func TestNormalized(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "1.2"
	assert.Equal(t, "v1.2.0", Normalized())
	Version = "dev"
	assert.Equal(t, "dev", Normalized())
}
