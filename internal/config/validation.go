package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"tatchi/internal/logging"
	"tatchi/internal/modexp"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	if u, err := url.Parse(c.Relay.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("relay.url", "must be an absolute http(s) URL, got %q", c.Relay.URL)
	}
	for field, p := range map[string]string{
		"relay.apply_lock_path":  c.Relay.ApplyLockPath,
		"relay.remove_lock_path": c.Relay.RemoveLockPath,
	} {
		if !strings.HasPrefix(p, "/") {
			add(field, "must start with /")
		}
	}
	if c.Relay.TimeoutMs <= 0 {
		add("relay.timeout_ms", "must be positive")
	}
	if c.Relay.MaxIdleConns < 0 {
		add("relay.max_idle_conns", "must not be negative")
	}

	if modexp.EngineByName(c.Modexp.Engine) == nil {
		add("modexp.engine", "unknown engine %q (want big or constant-time)", c.Modexp.Engine)
	}
	if c.Modexp.PB64u != "" {
		if _, err := modexp.ParamsFromB64u(c.Modexp.PB64u, nil); err != nil {
			add("modexp.p_b64u", "%v", err)
		}
	}

	if c.Handshake.TimeoutMs <= 0 {
		add("handshake.timeout_ms", "must be positive")
	}

	if c.Store.Enabled && c.Store.Path == "" {
		add("store.path", "required when the store is enabled")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		add("logging.format", "%v", err)
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required for file output")
		}
	default:
		add("logging.output", "unknown output %q", c.Logging.Output)
	}

	rs := c.RelayServer
	if _, _, err := net.SplitHostPort(rs.Listen); err != nil {
		add("relay_server.listen", "%v", err)
	}
	if rs.RateLimitRPS < 0 {
		add("relay_server.rate_limit_rps", "must not be negative")
	}
	if rs.RateLimitRPS > 0 && rs.RateLimitBurst <= 0 {
		add("relay_server.rate_limit_burst", "must be positive when rate limiting")
	}
	if rs.ReadTimeoutSec <= 0 || rs.WriteTimeoutSec <= 0 {
		add("relay_server.timeouts", "read and write timeouts must be positive")
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen", "%v", err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// AsValidationErrors unwraps err into ValidationErrors.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var v ValidationErrors
	ok := errors.As(err, &v)
	return v, ok
}
