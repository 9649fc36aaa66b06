package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"tatchi/internal/b64u"
	"tatchi/internal/escrow"
	"tatchi/internal/handshake"
	"tatchi/internal/keymanager"
	"tatchi/internal/logging"
	"tatchi/internal/metrics"
	"tatchi/internal/security"
	"tatchi/internal/signer"
	"tatchi/internal/store"
	"tatchi/internal/vrferr"
	"tatchi/internal/wrapseed"
)

// ErrNotConfigured is returned for messages whose backing component is absent.
var ErrNotConfigured = fmt.Errorf("worker: component not configured: %w", vrferr.ErrInvalidInput)

// AccountStore persists encrypted keypairs per account. *store.Store implements it.
type AccountStore interface {
	PutEncryptedKeypair(accountID, vrfPublicKey string, enc *keymanager.EncryptedVrfKeypair) error
	GetEncryptedKeypair(accountID string) (*keymanager.EncryptedVrfKeypair, string, error)
	PutServerEncrypted(accountID string, blob *escrow.ServerEncryptedVrfKeypair) error
	GetServerEncrypted(accountID string) (*escrow.ServerEncryptedVrfKeypair, error)
}

// SignerLink opens the VRF-side end of a signer session.
type SignerLink interface {
	OpenSession(sessionID string) (*handshake.SendPort, error)
}

// Options carries the optional collaborators of a Dispatcher.
type Options struct {
	Escrow  *escrow.Client
	Store   AccountStore
	Link    SignerLink
	Signer  *signer.Service
	Metrics *metrics.Metrics
	Audit   *logging.AuditLogger
	Logger  *slog.Logger
	Rand    io.Reader
}

// Dispatcher routes envelopes to handlers. It is safe for concurrent use;
// escrow exchanges are serialized.
type Dispatcher struct {
	keys    *keymanager.Manager
	escrow  *escrow.Client
	store   AccountStore
	link    SignerLink
	signer  *signer.Service
	metrics *metrics.Metrics
	audit   *logging.AuditLogger
	logger  *slog.Logger
	rand    io.Reader
	now     func() time.Time

	escrowMu sync.Mutex
	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// NewDispatcher creates a Dispatcher around keys.
func NewDispatcher(keys *keymanager.Manager, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		keys:    keys,
		escrow:  opts.Escrow,
		store:   opts.Store,
		link:    opts.Link,
		signer:  opts.Signer,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		logger:  logger,
		rand:    opts.Rand,
		now:     time.Now,
	}
	if d.link == nil && d.signer != nil {
		d.link = d.signer
	}
	d.handlers = map[string]handlerFunc{
		TypePing:                 d.ping,
		TypeGenerateBootstrap:    d.generateBootstrap,
		TypeDeriveFromPRF:        d.deriveFromPRF,
		TypeEncryptWithPRF:       d.encryptWithPRF,
		TypeUnlock:               d.unlock,
		TypeGenerateChallenge:    d.generateChallenge,
		TypeCheckStatus:          d.checkStatus,
		TypeLogout:               d.logout,
		TypeShamirEncryptCurrent: d.shamirEncrypt,
		TypeShamirDecrypt:        d.shamirDecrypt,
		TypeDeriveWrapKeySeed:    d.deriveWrapKeySeed,
		TypeSignerGenerateKey:    d.signerGenerateKey,
		TypeSignerImportKey:      d.signerImportKey,
		TypeSignerSign:           d.signerSign,
	}
	return d
}

// Handle processes one raw envelope. The forbidden-field guard runs first
// and rejects the whole request; only then is the envelope validated and parsed.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) Response {
	start := d.now()

	if err := checkForbidden(raw); err != nil {
		id := peekID(raw)
		d.logger.Warn("message rejected", "id", id, "kind", vrferr.KindOf(err))
		return d.finish(id, "", start, nil, err)
	}
	if err := validateEnvelope(raw); err != nil {
		return d.finish(peekID(raw), "", start, nil, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return d.finish(peekID(raw), "", start, nil, fmt.Errorf("worker: decode envelope: %w", vrferr.ErrInvalidInput))
	}
	h, ok := d.handlers[env.Type]
	if !ok {
		return d.finish(env.ID, env.Type, start, nil, fmt.Errorf("worker: unknown type %q: %w", env.Type, vrferr.ErrInvalidInput))
	}

	if env.ID != "" {
		ctx = logging.ContextWithRequestID(ctx, env.ID)
	}
	data, err := h(ctx, env.Payload)
	return d.finish(env.ID, env.Type, start, data, err)
}

func (d *Dispatcher) finish(id, msgType string, start time.Time, data any, err error) Response {
	result := "success"
	resp := Response{ID: id, Success: err == nil, Data: data}
	if err != nil {
		result = string(vrferr.KindOf(err))
		resp.Data = nil
		resp.Error = vrferr.Message(err)
		d.logger.Debug("message failed", "type", msgType, "id", id, "kind", result)
	}
	if msgType == "" {
		msgType = "invalid"
	}
	d.metrics.ObserveWorker(msgType, result, d.now().Sub(start))
	d.metrics.SetResident(d.keys.Status().Active)
	return resp
}

// peekID recovers the envelope id of a rejected message for correlation.
func peekID(raw []byte) string {
	var env struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return ""
	}
	id, _ := env.ID.(string)
	return id
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("worker: payload: %w", vrferr.ErrInvalidInput)
	}
	return nil
}

// prfSecret decodes a base64url PRF output. Callers wipe the result.
func prfSecret(s string) ([]byte, error) {
	secret, err := b64u.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("worker: empty prfOutput: %w", vrferr.ErrInvalidInput)
	}
	return secret, nil
}

func (d *Dispatcher) record(ctx context.Context, typ logging.AuditEventType, accountID, pk string, err error) {
	if aerr := d.audit.Record(ctx, typ, accountID, pk, err); aerr != nil {
		d.logger.Warn("audit write failed", "error", aerr)
	}
}

func (d *Dispatcher) ping(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"status": "alive", "timestamp": d.now().UnixMilli()}, nil
}

func (d *Dispatcher) generateBootstrap(ctx context.Context, payload json.RawMessage) (any, error) {
	var p bootstrapPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	res, err := d.keys.GenerateBootstrap(p.VrfInputData)
	pk := ""
	if res != nil {
		pk = res.PublicKey
	}
	d.record(ctx, logging.AuditKeypairGenerated, "", pk, err)
	return res, err
}

func (d *Dispatcher) deriveFromPRF(ctx context.Context, payload json.RawMessage) (any, error) {
	var p derivePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	secret, err := prfSecret(p.PrfOutput)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(secret)

	if !p.SaveInMemory {
		res, err := d.keys.DeriveFromSecret(secret, p.NearAccountID, p.VrfInputData, false)
		if err != nil {
			d.record(ctx, logging.AuditKeypairDerived, p.NearAccountID, "", err)
			return nil, err
		}
		d.record(ctx, logging.AuditKeypairDerived, p.NearAccountID, res.PublicKey, nil)
		return deriveResult{KeypairResult: *res}, nil
	}

	// the keypair is persisted before it becomes resident
	res, enc, err := d.keys.DeriveSealAndInstall(secret, p.NearAccountID, p.VrfInputData,
		func(pk string, enc *keymanager.EncryptedVrfKeypair) error {
			return d.persistEncrypted(p.NearAccountID, pk, enc)
		})
	if err != nil {
		d.record(ctx, logging.AuditKeypairDerived, p.NearAccountID, "", err)
		return nil, err
	}
	d.record(ctx, logging.AuditKeypairDerived, p.NearAccountID, res.PublicKey, nil)
	return deriveResult{KeypairResult: *res, EncryptedVrfKeypair: enc}, nil
}

func (d *Dispatcher) encryptWithPRF(ctx context.Context, payload json.RawMessage) (any, error) {
	var p encryptPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	secret, err := prfSecret(p.PrfOutput)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(secret)

	enc, err := d.keys.EncryptResidentWithSecret(p.ExpectedPublicKey, secret)
	if err == nil && p.NearAccountID != "" {
		err = d.persistEncrypted(p.NearAccountID, p.ExpectedPublicKey, enc)
	}
	d.record(ctx, logging.AuditKeypairEncrypted, p.NearAccountID, p.ExpectedPublicKey, err)
	if err != nil {
		return nil, err
	}
	return encryptResult{VrfPublicKey: p.ExpectedPublicKey, EncryptedVrfKeypair: enc}, nil
}

func (d *Dispatcher) persistEncrypted(accountID, pk string, enc *keymanager.EncryptedVrfKeypair) error {
	if d.store == nil {
		return nil
	}
	if err := d.store.PutEncryptedKeypair(accountID, pk, enc); err != nil {
		return fmt.Errorf("worker: persist encrypted keypair: %w", err)
	}
	return nil
}

func (d *Dispatcher) unlock(ctx context.Context, payload json.RawMessage) (any, error) {
	var p unlockPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	enc := p.EncryptedVrfKeypair
	if enc == nil {
		var err error
		if enc, err = d.storedEncrypted(p.NearAccountID); err != nil {
			return nil, err
		}
	}
	secret, err := prfSecret(p.PrfOutput)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(secret)

	pk, err := d.keys.DecryptAndLoad(enc, secret)
	d.record(ctx, logging.AuditKeypairUnlocked, p.NearAccountID, pk, err)
	if err != nil {
		return nil, err
	}
	return publicKeyResult{VrfPublicKey: pk}, nil
}

func (d *Dispatcher) storedEncrypted(accountID string) (*keymanager.EncryptedVrfKeypair, error) {
	if d.store == nil {
		return nil, fmt.Errorf("worker: encryptedVrfKeypair required without a store: %w", vrferr.ErrInvalidInput)
	}
	enc, _, err := d.store.GetEncryptedKeypair(accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("worker: no stored keypair for %s: %w", accountID, vrferr.ErrInvalidInput)
	}
	return enc, err
}

func (d *Dispatcher) generateChallenge(_ context.Context, payload json.RawMessage) (any, error) {
	var p challengePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return d.keys.ProveChallenge(p.VrfInputData)
}

func (d *Dispatcher) checkStatus(context.Context, json.RawMessage) (any, error) {
	return d.keys.Status(), nil
}

func (d *Dispatcher) logout(ctx context.Context, _ json.RawMessage) (any, error) {
	d.keys.Logout()
	d.record(ctx, logging.AuditLogout, "", "", nil)
	return map[string]bool{"loggedOut": true}, nil
}

func (d *Dispatcher) shamirEncrypt(ctx context.Context, payload json.RawMessage) (any, error) {
	if d.escrow == nil {
		return nil, fmt.Errorf("worker: relay: %w", ErrNotConfigured)
	}
	var p shamirEncryptPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	d.escrowMu.Lock()
	defer d.escrowMu.Unlock()

	blob, err := d.escrow.EncryptCurrent(ctx)
	if err == nil && p.NearAccountID != "" && d.store != nil {
		if perr := d.store.PutServerEncrypted(p.NearAccountID, blob); perr != nil {
			err = fmt.Errorf("worker: persist escrow: %w", perr)
		}
	}
	pk := ""
	if blob != nil {
		pk = blob.VrfPublicKey
	}
	d.record(ctx, logging.AuditKeypairEscrowed, p.NearAccountID, pk, err)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (d *Dispatcher) shamirDecrypt(ctx context.Context, payload json.RawMessage) (any, error) {
	if d.escrow == nil {
		return nil, fmt.Errorf("worker: relay: %w", ErrNotConfigured)
	}
	var p shamirDecryptPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	blob := p.ServerEncryptedVrfKeypair
	if blob == nil {
		if d.store == nil {
			return nil, fmt.Errorf("worker: serverEncryptedVrfKeypair required without a store: %w", vrferr.ErrInvalidInput)
		}
		var err error
		blob, err = d.store.GetServerEncrypted(p.NearAccountID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("worker: no escrow for %s: %w", p.NearAccountID, vrferr.ErrInvalidInput)
		}
		if err != nil {
			return nil, err
		}
	}

	d.escrowMu.Lock()
	defer d.escrowMu.Unlock()

	pk, err := d.escrow.DecryptAndLoad(ctx, blob)
	d.record(ctx, logging.AuditKeypairRecovered, p.NearAccountID, pk, err)
	if err != nil {
		return nil, err
	}
	return publicKeyResult{VrfPublicKey: pk}, nil
}

// deriveWrapKeySeed derives WrapKeySeed and delivers it to the signer
// session. On failure the session is failed explicitly so the signer does
// not wait out its timeout.
func (d *Dispatcher) deriveWrapKeySeed(ctx context.Context, payload json.RawMessage) (any, error) {
	if d.link == nil {
		return nil, fmt.Errorf("worker: signer: %w", ErrNotConfigured)
	}
	var p wrapSeedPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	port, err := d.link.OpenSession(p.SessionID)
	if err != nil {
		err = fmt.Errorf("worker: %w: %w", err, vrferr.ErrInvalidInput)
		d.record(ctx, logging.AuditWrapSeedSent, "", "", err)
		return nil, err
	}

	m, err := d.wrapMaterial(p)
	if err != nil {
		port.Fail(vrferr.Message(err))
		d.record(ctx, logging.AuditWrapSeedSent, "", "", err)
		return nil, err
	}
	salt := b64u.Encode(m.WrapKeySalt)
	if err := port.Send(handshake.Delivery{Material: m}); err != nil {
		m.Wipe()
		return nil, fmt.Errorf("worker: session %s: %w", p.SessionID, err)
	}
	d.record(ctx, logging.AuditWrapSeedSent, "", "", nil)
	return wrapSeedResult{SessionID: p.SessionID, WrapKeySalt: salt}, nil
}

func (d *Dispatcher) wrapMaterial(p wrapSeedPayload) (*handshake.Material, error) {
	secret, err := prfSecret(p.PrfOutput)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(secret)

	seed, err := d.keys.DeriveWrapKeySeed(secret)
	if err != nil {
		return nil, err
	}
	salt, err := wrapseed.ResolveSalt(p.WrapKeySalt, d.rand)
	if err != nil {
		security.Wipe(seed)
		return nil, err
	}
	m := &handshake.Material{WrapKeySeed: seed, WrapKeySalt: salt}
	if p.Secondary != "" {
		if m.Secondary, err = b64u.Decode(p.Secondary); err != nil {
			m.Wipe()
			return nil, err
		}
	}
	return m, nil
}

func (d *Dispatcher) signerGenerateKey(ctx context.Context, payload json.RawMessage) (any, error) {
	if d.signer == nil {
		return nil, fmt.Errorf("worker: signer: %w", ErrNotConfigured)
	}
	var p signerKeyPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	priv, err := signer.GenerateSigningKey(d.rand)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(priv)
	return d.signer.Seal(ctx, p.SessionID, priv)
}

// signerImportKey seals an existing key file for the session. Only the
// path crosses the message boundary, never the key itself.
func (d *Dispatcher) signerImportKey(ctx context.Context, payload json.RawMessage) (any, error) {
	if d.signer == nil {
		return nil, fmt.Errorf("worker: signer: %w", ErrNotConfigured)
	}
	var p signerImportPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	passphrase := []byte(p.Passphrase)
	defer security.Wipe(passphrase)

	sealed, err := d.signer.ImportFile(ctx, p.SessionID, p.KeyPath, passphrase)
	pk := ""
	if sealed != nil {
		pk = sealed.PublicKey
	}
	d.record(ctx, logging.AuditSigningKeyImport, "", pk, err)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

func (d *Dispatcher) signerSign(ctx context.Context, payload json.RawMessage) (any, error) {
	if d.signer == nil {
		return nil, fmt.Errorf("worker: signer: %w", ErrNotConfigured)
	}
	var p signerSignPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	msg, err := b64u.Decode(p.Message)
	if err != nil {
		return nil, err
	}
	if p.EndSession {
		defer d.signer.EndSession(p.SessionID)
	}
	sig, err := d.signer.Sign(ctx, p.SessionID, p.SealedKey, msg)
	if err != nil {
		return nil, err
	}
	return signResult{PublicKey: p.SealedKey.PublicKey, Signature: b64u.Encode(sig)}, nil
}
