package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenLaunch/sdk/go/openlaunch"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7788", baseURL("127.0.0.1:7788"))
	assert.Equal(t, "http://127.0.0.1:7788", baseURL(":7788"))
	assert.Equal(t, "http://127.0.0.1:7788", baseURL("0.0.0.0:7788"))
	assert.Equal(t, "http://launcher.local", baseURL("launcher.local"))
}

func TestPluginsListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/plugins", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]openlaunch.Plugin{{ID: "calc", Version: "1.0.0", State: "loaded", Enabled: true}})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"plugins", "list", "--server", srv.URL, "--token", "tok"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "calc")
	assert.Contains(t, out.String(), "loaded")
}
