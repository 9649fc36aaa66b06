package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"tatchi/internal/vrferr"
)

// forbiddenKeys are raw signing-secret field names, normalized by
// normalizeKey. Matching ignores case, '_' and '-'.
var forbiddenKeys = map[string]bool{
	"nearsk":         true,
	"nearprivatekey": true,
	"privatekey":     true,
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

// checkForbidden scans raw JSON for an object key naming a raw signing
// secret at any depth. It tokenizes without decoding into values, so it
// runs before the message is otherwise parsed.
func checkForbidden(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	// each frame is an open object or array; wantKey is meaningful for objects
	type frame struct {
		object  bool
		wantKey bool
	}
	var stack []frame

	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].wantKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if len(stack) != 0 {
				return fmt.Errorf("worker: truncated message: %w", vrferr.ErrInvalidInput)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker: malformed message: %w", vrferr.ErrInvalidInput)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, frame{object: true, wantKey: true})
			case '[':
				stack = append(stack, frame{})
			default:
				stack = stack[:len(stack)-1]
				valueDone()
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].wantKey {
				if forbiddenKeys[normalizeKey(t)] {
					return fmt.Errorf("worker: field %q: %w", t, vrferr.ErrForbiddenSecretField)
				}
				stack[n-1].wantKey = false
				continue
			}
			valueDone()
		default:
			valueDone()
		}
	}
}
