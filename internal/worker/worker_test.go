package worker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"tatchi/internal/b64u"
	"tatchi/internal/escrow"
	"tatchi/internal/keymanager"
	"tatchi/internal/modexp"
	"tatchi/internal/relay"
	"tatchi/internal/signer"
	"tatchi/internal/store"
)

var (
	prfA = b64u.Encode([]byte("prf-output-first-authenticator!!"))
	prfB = b64u.Encode([]byte("prf-output-other-authenticator!!"))

	testChallenge = map[string]any{
		"userId":      "alice.test",
		"rpId":        "wallet.example",
		"blockHeight": 123456,
		"blockHash":   "4reLvkAWfqk5fsqio1KLudk46cqRz9erQdaHkWZKMJDZ",
	}
)

func newDispatcher(t *testing.T, opts Options) (*Dispatcher, *keymanager.Manager) {
	t.Helper()
	keys := keymanager.New(nil)
	return NewDispatcher(keys, opts), keys
}

func envelope(t *testing.T, typ, id string, payload any) []byte {
	t.Helper()
	env := map[string]any{"type": typ}
	if id != "" {
		env["id"] = id
	}
	if payload != nil {
		env["payload"] = payload
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func call(t *testing.T, d *Dispatcher, typ string, payload any) Response {
	t.Helper()
	return d.Handle(context.Background(), envelope(t, typ, "req-1", payload))
}

func mustSucceed(t *testing.T, resp Response, out any) {
	t.Helper()
	require.True(t, resp.Success, "unexpected failure: %s", resp.Error)
	if out == nil {
		return
	}
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func mustFail(t *testing.T, resp Response, kind string) {
	t.Helper()
	require.False(t, resp.Success)
	assert.Nil(t, resp.Data)
	assert.True(t, strings.HasPrefix(resp.Error, kind+":"), "error %q, want kind %s", resp.Error, kind)
}

func TestForbiddenSecretFields(t *testing.T) {
	d, _ := newDispatcher(t, Options{})

	tests := []struct {
		name string
		raw  string
	}{
		{"top level payload", `{"type":"PING","payload":{"near_sk":"x"}}`},
		{"camel case", `{"type":"PING","payload":{"nearPrivateKey":"x"}}`},
		{"dashed", `{"type":"PING","payload":{"Private-Key":"x"}}`},
		{"nested in array", `{"type":"UNLOCK_VRF_KEYPAIR","payload":{"list":[{"a":{"NEAR_SK":1}}]}}`},
		{"envelope level", `{"type":"PING","privateKey":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustFail(t, d.Handle(context.Background(), []byte(tt.raw)), "ForbiddenSecretField")
		})
	}

	// the rejection still answers the request it belongs to
	resp := d.Handle(context.Background(), []byte(`{"type":"PING","id":"req-7","payload":{"near_sk":"x"}}`))
	mustFail(t, resp, "ForbiddenSecretField")
	assert.Equal(t, "req-7", resp.ID)

	// a forbidden name as a value is not a field
	resp = d.Handle(context.Background(), []byte(`{"type":"PING","id":"near_sk"}`))
	mustSucceed(t, resp, nil)
	assert.Equal(t, "near_sk", resp.ID)
}

func TestRejectsInvalidMessages(t *testing.T) {
	d, _ := newDispatcher(t, Options{})

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"trailing garbage", `{"type":"PING"}}`},
		{"unknown type", `{"type":"REBOOT"}`},
		{"extra envelope field", `{"type":"PING","debug":true}`},
		{"missing payload", `{"type":"DERIVE_VRF_KEYPAIR_FROM_PRF","id":"x"}`},
		{"missing account", `{"type":"DERIVE_VRF_KEYPAIR_FROM_PRF","payload":{"prfOutput":"AAAA"}}`},
		{"bad base64 alphabet", `{"type":"UNLOCK_VRF_KEYPAIR","payload":{"nearAccountId":"a","prfOutput":"a+b/"}}`},
		{"bad block hash", `{"type":"GENERATE_VRF_CHALLENGE","payload":{"vrfInputData":{"userId":"u","rpId":"r","blockHeight":1,"blockHash":"0OIl"}}}`},
		{"negative height", `{"type":"GENERATE_VRF_CHALLENGE","payload":{"vrfInputData":{"userId":"u","rpId":"r","blockHeight":-1,"blockHash":"abc"}}}`},
		{"payload not object", `{"type":"PING","payload":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustFail(t, d.Handle(context.Background(), []byte(tt.raw)), "InvalidInput")
		})
	}

	resp := d.Handle(context.Background(), []byte(`{"type":"REBOOT","id":"r-7"}`))
	assert.Equal(t, "r-7", resp.ID)
}

func TestPing(t *testing.T) {
	d, _ := newDispatcher(t, Options{})
	resp := call(t, d, TypePing, nil)

	var out struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	mustSucceed(t, resp, &out)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, "alive", out.Status)
	assert.NotZero(t, out.Timestamp)
}

func TestKeypairLifecycle(t *testing.T) {
	d, keys := newDispatcher(t, Options{})

	var derived struct {
		VrfPublicKey        string                          `json:"vrfPublicKey"`
		Challenge           *keymanager.ChallengeProof      `json:"vrfChallengeData"`
		EncryptedVrfKeypair *keymanager.EncryptedVrfKeypair `json:"encryptedVrfKeypair"`
	}
	mustSucceed(t, call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
		"vrfInputData":  testChallenge,
		"saveInMemory":  true,
	}), &derived)
	require.NotEmpty(t, derived.VrfPublicKey)
	require.NotNil(t, derived.Challenge)
	require.NotNil(t, derived.EncryptedVrfKeypair)
	assert.Equal(t, derived.VrfPublicKey, derived.Challenge.VrfPublicKey)

	var status keymanager.Status
	mustSucceed(t, call(t, d, TypeCheckStatus, nil), &status)
	assert.True(t, status.Active)
	assert.Equal(t, derived.VrfPublicKey, status.VrfPublicKey)

	var proof keymanager.ChallengeProof
	mustSucceed(t, call(t, d, TypeGenerateChallenge, map[string]any{"vrfInputData": testChallenge}), &proof)
	assert.Equal(t, derived.Challenge.VrfOutput, proof.VrfOutput)

	mustSucceed(t, call(t, d, TypeLogout, nil), nil)
	assert.False(t, keys.Status().Active)
	mustFail(t, call(t, d, TypeGenerateChallenge, map[string]any{"vrfInputData": testChallenge}), "NoResidentKeypair")

	// wrong PRF output leaves the manager empty
	mustFail(t, call(t, d, TypeUnlock, map[string]any{
		"nearAccountId":       "alice.test",
		"prfOutput":           prfA,
		"encryptedVrfKeypair": derived.EncryptedVrfKeypair,
	}), "AeadDecryptionFailed")
	assert.False(t, keys.Status().Active)

	var unlocked publicKeyResult
	mustSucceed(t, call(t, d, TypeUnlock, map[string]any{
		"nearAccountId":       "alice.test",
		"prfOutput":           prfB,
		"encryptedVrfKeypair": derived.EncryptedVrfKeypair,
	}), &unlocked)
	assert.Equal(t, derived.VrfPublicKey, unlocked.VrfPublicKey)
}

func TestDeriveWithoutSaveKeepsResident(t *testing.T) {
	d, keys := newDispatcher(t, Options{})

	var boot keymanager.KeypairResult
	mustSucceed(t, call(t, d, TypeGenerateBootstrap, map[string]any{"vrfInputData": testChallenge}), &boot)
	require.NotNil(t, boot.Challenge)

	var derived deriveResult
	mustSucceed(t, call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
	}), &derived)
	assert.NotEqual(t, boot.PublicKey, derived.PublicKey)
	assert.Nil(t, derived.EncryptedVrfKeypair)

	assert.Equal(t, boot.PublicKey, keys.Status().VrfPublicKey)
}

type failingStore struct {
	AccountStore
}

func (failingStore) PutEncryptedKeypair(string, string, *keymanager.EncryptedVrfKeypair) error {
	return errors.New("disk full")
}

func TestDeriveSaveKeepsResidentWhenPersistFails(t *testing.T) {
	d, keys := newDispatcher(t, Options{Store: failingStore{}})

	var boot keymanager.KeypairResult
	mustSucceed(t, call(t, d, TypeGenerateBootstrap, nil), &boot)

	resp := call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
		"saveInMemory":  true,
	})
	mustFail(t, resp, "Internal")
	assert.Contains(t, resp.Error, "disk full")
	assert.Equal(t, boot.PublicKey, keys.Status().VrfPublicKey)
}

func TestEncryptWithPRF(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, _ := newDispatcher(t, Options{Store: st})

	var boot keymanager.KeypairResult
	mustSucceed(t, call(t, d, TypeGenerateBootstrap, nil), &boot)

	var enc encryptResult
	mustSucceed(t, call(t, d, TypeEncryptWithPRF, map[string]any{
		"expectedPublicKey": boot.PublicKey,
		"prfOutput":         prfA,
		"nearAccountId":     "bob.test",
	}), &enc)
	assert.Equal(t, boot.PublicKey, enc.VrfPublicKey)

	stored, pk, err := st.GetEncryptedKeypair("bob.test")
	require.NoError(t, err)
	assert.Equal(t, boot.PublicKey, pk)
	assert.Equal(t, enc.EncryptedVrfKeypair, stored)

	mustFail(t, call(t, d, TypeEncryptWithPRF, map[string]any{
		"expectedPublicKey": "AAAA",
		"prfOutput":         prfA,
	}), "PublicKeyMismatch")
}

func TestStoreBackedUnlock(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	d, keys := newDispatcher(t, Options{Store: st})

	unlock := map[string]any{"nearAccountId": "alice.test", "prfOutput": prfB}
	mustFail(t, call(t, d, TypeUnlock, unlock), "InvalidInput")

	var derived deriveResult
	mustSucceed(t, call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
		"saveInMemory":  true,
	}), &derived)

	mustSucceed(t, call(t, d, TypeLogout, nil), nil)

	var unlocked publicKeyResult
	mustSucceed(t, call(t, d, TypeUnlock, unlock), &unlocked)
	assert.Equal(t, derived.PublicKey, unlocked.VrfPublicKey)
	assert.True(t, keys.Status().Active)
}

func TestUnlockWithoutStoreNeedsBlob(t *testing.T) {
	d, _ := newDispatcher(t, Options{})
	mustFail(t, call(t, d, TypeUnlock, map[string]any{"nearAccountId": "a", "prfOutput": prfA}), "InvalidInput")
}

func startRelay(t *testing.T, params *modexp.Params) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := relay.GenerateServerKey(params, nil)
	require.NoError(t, err)
	svc, err := relay.NewLockService(params, key, nil, nil, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(relay.NewRouter(svc, relay.RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestShamirEscrowThroughRelay(t *testing.T) {
	params := modexp.DefaultParams(nil)
	srv := startRelay(t, params)
	rc, err := escrow.NewHTTPRelayClient(escrow.HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer rc.Close()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	keys := keymanager.New(nil)
	d := NewDispatcher(keys, Options{Escrow: escrow.NewClient(params, rc, keys, nil), Store: st})

	mustFail(t, call(t, d, TypeShamirEncryptCurrent, nil), "NoResidentKeypair")

	var boot keymanager.KeypairResult
	mustSucceed(t, call(t, d, TypeGenerateBootstrap, nil), &boot)

	var blob escrow.ServerEncryptedVrfKeypair
	mustSucceed(t, call(t, d, TypeShamirEncryptCurrent, map[string]any{"nearAccountId": "carol.test"}), &blob)
	assert.Equal(t, boot.PublicKey, blob.VrfPublicKey)
	assert.NotEmpty(t, blob.ServerKeyID)

	mustSucceed(t, call(t, d, TypeLogout, nil), nil)

	// the blob comes from the store when the payload omits it
	var recovered publicKeyResult
	mustSucceed(t, call(t, d, TypeShamirDecrypt, map[string]any{"nearAccountId": "carol.test"}), &recovered)
	assert.Equal(t, boot.PublicKey, recovered.VrfPublicKey)

	mustSucceed(t, call(t, d, TypeLogout, nil), nil)
	mustSucceed(t, call(t, d, TypeShamirDecrypt, map[string]any{
		"nearAccountId":             "carol.test",
		"serverEncryptedVrfKeypair": blob,
	}), &recovered)
	assert.Equal(t, boot.PublicKey, recovered.VrfPublicKey)

	mustFail(t, call(t, d, TypeShamirDecrypt, map[string]any{"nearAccountId": "nobody.test"}), "InvalidInput")
}

func TestComponentsNotConfigured(t *testing.T) {
	d, _ := newDispatcher(t, Options{})

	mustFail(t, call(t, d, TypeShamirEncryptCurrent, nil), "InvalidInput")
	mustFail(t, call(t, d, TypeShamirDecrypt, map[string]any{"nearAccountId": "a"}), "InvalidInput")
	mustFail(t, call(t, d, TypeDeriveWrapKeySeed, map[string]any{"sessionId": "s", "prfOutput": prfA}), "InvalidInput")
	mustFail(t, call(t, d, TypeSignerGenerateKey, map[string]any{"sessionId": "s"}), "InvalidInput")
	mustFail(t, call(t, d, TypeSignerImportKey, map[string]any{"sessionId": "s", "keyPath": "/k"}), "InvalidInput")
}

// serve runs lines through Serve and returns the responses keyed by id.
func serve(t *testing.T, d *Dispatcher, lines ...[]byte) map[string]Response {
	t.Helper()
	in := bytes.Join(lines, []byte("\n"))
	var out bytes.Buffer
	require.NoError(t, d.Serve(context.Background(), bytes.NewReader(in), &out))

	got := make(map[string]Response)
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		got[resp.ID] = resp
	}
	require.Len(t, got, len(lines))
	return got
}

func TestWrapSeedHandshakeSignsWithoutExposingKey(t *testing.T) {
	svc := signer.NewService(5*time.Second, nil)
	defer svc.Close()
	d, _ := newDispatcher(t, Options{Signer: svc})

	mustSucceed(t, call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
		"saveInMemory":  true,
	}), nil)

	// the signer request arrives before the seed it waits for
	got := serve(t, d,
		envelope(t, TypeSignerGenerateKey, "gen", map[string]any{"sessionId": "s1"}),
		envelope(t, TypeDeriveWrapKeySeed, "seed", map[string]any{"sessionId": "s1", "prfOutput": prfA}),
	)
	var sealed signer.SealedKey
	mustSucceed(t, got["gen"], &sealed)
	var seed wrapSeedResult
	mustSucceed(t, got["seed"], &seed)
	assert.Equal(t, "s1", seed.SessionID)
	assert.Equal(t, seed.WrapKeySalt, sealed.WrapKeySalt)
	svc.EndSession("s1")

	msg := []byte("transfer 1 NEAR")
	got = serve(t, d,
		envelope(t, TypeSignerSign, "sign", map[string]any{
			"sessionId":   "s2",
			"sealedKey":   sealed,
			"messageB64u": b64u.Encode(msg),
			"endSession":  true,
		}),
		envelope(t, TypeDeriveWrapKeySeed, "seed2", map[string]any{
			"sessionId":   "s2",
			"prfOutput":   prfA,
			"wrapKeySalt": sealed.WrapKeySalt,
		}),
	)
	var signed signResult
	mustSucceed(t, got["sign"], &signed)
	mustSucceed(t, got["seed2"], nil)

	pub, err := signer.ParsePublicKey(signed.PublicKey)
	require.NoError(t, err)
	sig, err := b64u.Decode(signed.Signature)
	require.NoError(t, err)
	assert.True(t, signer.Verify(pub, msg, sig))
	assert.Equal(t, 0, svc.Hub().Pending())

	// a seed derived from another PRF output does not open the key
	got = serve(t, d,
		envelope(t, TypeSignerSign, "sign", map[string]any{
			"sessionId":   "s3",
			"sealedKey":   sealed,
			"messageB64u": b64u.Encode(msg),
		}),
		envelope(t, TypeDeriveWrapKeySeed, "seed3", map[string]any{
			"sessionId":   "s3",
			"prfOutput":   prfB,
			"wrapKeySalt": sealed.WrapKeySalt,
		}),
	)
	mustFail(t, got["sign"], "AeadDecryptionFailed")
}

func TestWrapSeedSessionCannotBeRedelivered(t *testing.T) {
	svc := signer.NewService(5*time.Second, nil)
	defer svc.Close()
	d, _ := newDispatcher(t, Options{Signer: svc})

	mustSucceed(t, call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
		"saveInMemory":  true,
	}), nil)

	var first wrapSeedResult
	mustSucceed(t, call(t, d, TypeDeriveWrapKeySeed, map[string]any{"sessionId": "s1", "prfOutput": prfA}), &first)

	// a second seed for the same session is refused, not silently dropped
	mustFail(t, call(t, d, TypeDeriveWrapKeySeed, map[string]any{"sessionId": "s1", "prfOutput": prfA}), "InvalidInput")

	var sealed signer.SealedKey
	mustSucceed(t, call(t, d, TypeSignerGenerateKey, map[string]any{"sessionId": "s1"}), &sealed)
	assert.Equal(t, first.WrapKeySalt, sealed.WrapKeySalt)

	svc.EndSession("s1")
	var again wrapSeedResult
	mustSucceed(t, call(t, d, TypeDeriveWrapKeySeed, map[string]any{"sessionId": "s1", "prfOutput": prfA}), &again)
	mustSucceed(t, call(t, d, TypeSignerGenerateKey, map[string]any{"sessionId": "s1"}), &sealed)
	assert.Equal(t, again.WrapKeySalt, sealed.WrapKeySalt)
}

func TestSignerImportKeyFromFile(t *testing.T) {
	svc := signer.NewService(5*time.Second, nil)
	defer svc.Close()
	d, _ := newDispatcher(t, Options{Signer: svc})

	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x42}, ed25519.SeedSize))
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	mustSucceed(t, call(t, d, TypeDeriveFromPRF, map[string]any{
		"prfOutput":     prfB,
		"nearAccountId": "alice.test",
		"saveInMemory":  true,
	}), nil)

	got := serve(t, d,
		envelope(t, TypeSignerImportKey, "import", map[string]any{"sessionId": "s1", "keyPath": path}),
		envelope(t, TypeDeriveWrapKeySeed, "seed", map[string]any{"sessionId": "s1", "prfOutput": prfA}),
	)
	var sealed signer.SealedKey
	mustSucceed(t, got["import"], &sealed)
	mustSucceed(t, got["seed"], nil)
	assert.Equal(t, signer.FormatPublicKey(priv.Public().(ed25519.PublicKey)), sealed.PublicKey)

	msg := []byte("transfer 1 NEAR")
	var signed signResult
	mustSucceed(t, call(t, d, TypeSignerSign, map[string]any{
		"sessionId":   "s1",
		"sealedKey":   sealed,
		"messageB64u": b64u.Encode(msg),
		"endSession":  true,
	}), &signed)
	sig, err := b64u.Decode(signed.Signature)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(priv.Public().(ed25519.PublicKey), msg, sig))

	resp := call(t, d, TypeSignerImportKey, map[string]any{"sessionId": "s2", "keyPath": path, "privateKey": "x"})
	mustFail(t, resp, "ForbiddenSecretField")
	mustFail(t, call(t, d, TypeSignerImportKey, map[string]any{"sessionId": "s2"}), "InvalidInput")
}

func TestWrapSeedFailureReachesSigner(t *testing.T) {
	svc := signer.NewService(10*time.Second, nil)
	defer svc.Close()
	d, _ := newDispatcher(t, Options{Signer: svc})

	sealed := signer.SealedKey{
		PublicKey:   "ed25519:11111111111111111111111111111111",
		WrapKeySalt: b64u.Encode(make([]byte, 32)),
		Ciphertext:  "AAAA",
		Nonce:       "AAAA",
	}
	start := time.Now()
	got := serve(t, d,
		envelope(t, TypeSignerSign, "sign", map[string]any{
			"sessionId":   "s1",
			"sealedKey":   sealed,
			"messageB64u": "AA",
		}),
		envelope(t, TypeDeriveWrapKeySeed, "seed", map[string]any{"sessionId": "s1", "prfOutput": prfA}),
	)
	mustFail(t, got["seed"], "NoResidentKeypair")
	require.False(t, got["sign"].Success)
	assert.Contains(t, got["sign"].Error, "NoResidentKeypair")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServeSkipsBlankLinesAndHonoursContext(t *testing.T) {
	d, _ := newDispatcher(t, Options{})

	var out bytes.Buffer
	in := "\n" + string(envelope(t, TypePing, "a", nil)) + "\n\n" + `{"type":` + "\n"
	require.NoError(t, d.Serve(context.Background(), strings.NewReader(in), &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, w := io.Pipe()
	defer w.Close()
	assert.ErrorIs(t, d.Serve(ctx, r, &out), context.Canceled)
}
