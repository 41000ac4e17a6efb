// Package keylog exposes an SSLKEYLOGFILE-compatible writer so captured
// traffic can be decrypted in Wireshark. Setting the SSLKEYLOGFILE
// environment variable before startup is enough; transports pick the
// writer up when building their TLS configs.
package keylog

import (
	"io"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	writer io.Writer
)

func init() {
	path := os.Getenv("SSLKEYLOGFILE")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		// Debug feature; a bad path must not break startup.
		return
	}
	writer = &lockedWriter{w: f}
}

// lockedWriter serializes key log lines from concurrent handshakes.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Writer returns the active key log writer, or nil when logging is off.
// Assign it to tls.Config.KeyLogWriter.
func Writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return writer
}

// SetFile points key logging at path, replacing any active writer. An empty
// path disables logging.
func SetFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if c, ok := writer.(io.Closer); ok {
		c.Close()
	}
	writer = nil

	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	writer = &lockedWriter{w: f}
	return nil
}

// SetWriter installs a custom destination, e.g. a buffer in tests. Pass nil
// to disable logging.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if c, ok := writer.(io.Closer); ok {
		c.Close()
	}
	if w == nil {
		writer = nil
		return
	}
	writer = &lockedWriter{w: w}
}

// Close releases the active writer. Call on shutdown when a file is open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	var err error
	if c, ok := writer.(io.Closer); ok {
		err = c.Close()
	}
	writer = nil
	return err
}
