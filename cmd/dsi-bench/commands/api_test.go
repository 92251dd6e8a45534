package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPI(t *testing.T) {
	conf := smallConfig()
	var progress Progress
	progress.add(256)
	progress.add(256)
	progress.add(256)

	srv := httptest.NewServer(newAPI(conf, &progress))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/progress")
	require.NoError(t, err)
	var got progressJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, progressJSON{Packets: 3, Bytes: 768, Total: 300, Done: 0.01}, got)

	resp, err = http.Get(srv.URL + "/config")
	require.NoError(t, err)
	var gotConf Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gotConf))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, *conf, gotConf)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
