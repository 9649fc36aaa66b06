package escrow_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tatchi/internal/escrow"
	"tatchi/internal/keymanager"
	"tatchi/internal/modexp"
	"tatchi/internal/relay"
	"tatchi/internal/vrferr"
)

func startRelay(t *testing.T, params *modexp.Params) (*httptest.Server, *relay.LockService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := relay.GenerateServerKey(params, nil)
	require.NoError(t, err)
	svc, err := relay.NewLockService(params, key, nil, nil, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(relay.NewRouter(svc, relay.RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestEscrowAgainstHTTPRelay(t *testing.T) {
	ctx := context.Background()
	params := modexp.DefaultParams(nil)
	srv, svc := startRelay(t, params)

	rc, err := escrow.NewHTTPRelayClient(escrow.HTTPConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	defer rc.Close()

	mgr := keymanager.New(nil)
	res, err := mgr.DeriveFromSecret([]byte("prf-second"), "alice.test", nil, true)
	require.NoError(t, err)

	client := escrow.NewClient(params, rc, mgr, nil)
	blob, err := client.EncryptCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, svc.KeyInfo().CurrentKeyID, blob.ServerKeyID)

	// rotation does not break blobs locked under the previous key
	next, err := relay.GenerateServerKey(params, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Rotate(next))

	mgr.Logout()
	pk, err := client.DecryptAndLoad(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, res.PublicKey, pk)
	assert.True(t, mgr.Status().Active)
}

func TestHTTPRelayClientErrors(t *testing.T) {
	ctx := context.Background()

	_, err := escrow.NewHTTPRelayClient(escrow.HTTPConfig{})
	assert.True(t, errors.Is(err, vrferr.ErrInvalidInput))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case escrow.PathApplyServerLock:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		case escrow.PathRemoveServerLock:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	rc, err := escrow.NewHTTPRelayClient(escrow.HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = rc.ApplyServerLock(ctx, "AQ")
	require.Error(t, err)
	var httpErr *escrow.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, "rate limit exceeded", httpErr.Message)
	assert.True(t, errors.Is(err, vrferr.ErrRelayHTTP))

	_, err = rc.RemoveServerLock(ctx, "AQ", "")
	assert.True(t, errors.Is(err, vrferr.ErrRelayHTTP))

	srv.Close()
	_, err = rc.ApplyServerLock(ctx, "AQ")
	assert.True(t, errors.Is(err, vrferr.ErrRelayHTTP))
}
