package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize bounds one JSON line.
const MaxMessageSize = 1 << 20

// Serve reads newline-delimited envelopes from r and writes one response line
// per envelope to w. Messages are handled concurrently, so a SIGNER_SIGN may
// wait for the DERIVE_WRAP_KEY_SEED_AND_SEND_TO_SIGNER that follows it.
// Responses are written in completion order. Serve returns after r reaches
// EOF and every in-flight message has been answered, or when ctx is done.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var writeMu sync.Mutex
	var writeErr error
	enc := json.NewEncoder(w)
	write := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if writeErr != nil {
			return
		}
		if err := enc.Encode(resp); err != nil {
			writeErr = fmt.Errorf("worker: write response: %w", err)
			cancel()
		}
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), MaxMessageSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var err error
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err = <-readErr:
				default:
				}
				break loop
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				write(d.Handle(ctx, line))
			}()
		case <-ctx.Done():
			break loop
		}
	}
	wg.Wait()

	writeMu.Lock()
	defer writeMu.Unlock()
	if writeErr != nil {
		return writeErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("worker: read: %w", err)
	}
	return nil
}
