package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType names a key-custody event.
type AuditEventType string

const (
	AuditKeypairGenerated AuditEventType = "keypair_generated"
	AuditKeypairDerived   AuditEventType = "keypair_derived"
	AuditKeypairEncrypted AuditEventType = "keypair_encrypted"
	AuditKeypairUnlocked  AuditEventType = "keypair_unlocked"
	AuditKeypairEscrowed  AuditEventType = "keypair_escrowed"
	AuditKeypairRecovered AuditEventType = "keypair_recovered"
	AuditWrapSeedSent     AuditEventType = "wrap_seed_sent"
	AuditSigningKeyImport AuditEventType = "signing_key_imported"
	AuditLogout           AuditEventType = "logout"
	AuditServerKeyRotated AuditEventType = "server_key_rotated"
	AuditServerKeyRetired AuditEventType = "server_key_retired"
	AuditStartup          AuditEventType = "startup"
	AuditShutdown         AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuditEvent is one line of the audit log. It carries identifiers and
// outcomes only; key material never belongs in Details.
type AuditEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    AuditEventType    `json:"event_type"`
	Component    string            `json:"component"`
	AccountID    string            `json:"account_id,omitempty"`
	VrfPublicKey string            `json:"vrf_public_key,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	Result       string            `json:"result"`
	Error        string            `json:"error,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// AuditConfig configures an AuditLogger backed by a rotating file.
type AuditConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns the default audit log settings.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		FilePath:   DefaultLogPath("audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "tatchi",
	}
}

// AuditLogger writes AuditEvents as JSON lines. A nil *AuditLogger drops events.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	rotator   *FileRotator
	component string
	now       func() time.Time
}

// NewAuditLogger opens a rotating audit file.
func NewAuditLogger(cfg *AuditConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditWriter(rotator, cfg.Component)
	a.rotator = rotator
	return a, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// Log writes event, filling the timestamp, component and request id.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := a.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Record logs typ with err folded into Result and Error.
func (a *AuditLogger) Record(ctx context.Context, typ AuditEventType, accountID, vrfPublicKey string, err error) error {
	ev := AuditEvent{EventType: typ, AccountID: accountID, VrfPublicKey: vrfPublicKey, Result: ResultSuccess}
	if err != nil {
		ev.Result = ResultFailure
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
