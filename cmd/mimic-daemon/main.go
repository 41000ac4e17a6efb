// Command mimic-daemon serves the engine over a JSON-lines IPC channel.
// Hosts that cannot load the C library spawn this binary and exchange
// newline-delimited envelopes on stdin/stdout; request and response bodies
// ride inside the envelopes as base64 MessagePack, the same documents the
// C boundary uses. Logs go to stderr so stdout stays a clean frame stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/sardanioss/mimic/client"
	"github.com/sardanioss/mimic/dispatch"
	"github.com/sardanioss/mimic/protocol"
)

const version = "1.0.0"

// Daemon reads envelopes from one stream and writes replies to another.
// Requests run concurrently; outputMu keeps each reply on its own line.
type Daemon struct {
	stdin      *bufio.Reader
	stdout     *json.Encoder
	outputMu   sync.Mutex
	dispatcher *dispatch.Dispatcher
	engine     *client.Client
	wg         sync.WaitGroup
}

// NewDaemon builds a daemon around a default engine.
func NewDaemon(in io.Reader, out io.Writer) (*Daemon, error) {
	c, err := client.New()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		stdin:      bufio.NewReader(in),
		stdout:     json.NewEncoder(out),
		dispatcher: dispatch.New(c),
		engine:     c,
	}, nil
}

// Run consumes envelopes until shutdown, EOF, or a read error. In-flight
// requests are drained before it returns.
func (d *Daemon) Run() error {
	defer func() {
		d.wg.Wait()
		d.dispatcher.Close()
		d.engine.Close()
	}()

	for {
		line, err := d.stdin.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			d.sendError("", "invalid JSON: "+err.Error())
			continue
		}

		if env.Type == protocol.TypeShutdown {
			return nil
		}
		d.handleMessage(&env)
	}
}

// handleMessage routes one envelope. Request and batch work leaves the read
// loop so a slow exchange never blocks the channel.
func (d *Daemon) handleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		d.send(&protocol.Envelope{
			ID:      env.ID,
			Type:    protocol.TypePong,
			Version: version,
		})
	case protocol.TypeRequest:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleRequest(env)
		}()
	case protocol.TypeBatch:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleBatch(env)
		}()
	default:
		d.sendError(env.ID, "unknown message type: "+string(env.Type))
	}
}

// handleRequest executes one boundary request. Exchange failures still come
// back as a response envelope; the payload carries the status-0 diagnostic.
func (d *Daemon) handleRequest(env *protocol.Envelope) {
	var msg protocol.RequestMessage
	if err := protocol.DecodeBase64(env.Payload, &msg); err != nil {
		d.sendError(env.ID, "invalid request payload: "+err.Error())
		return
	}

	resp := d.dispatcher.Do(context.Background(), &msg)

	payload, err := protocol.EncodeBase64(resp)
	if err != nil {
		d.sendError(env.ID, "encode response: "+err.Error())
		return
	}
	d.send(&protocol.Envelope{
		ID:      env.ID,
		Type:    protocol.TypeResponse,
		Payload: payload,
	})
}

// handleBatch fans a request batch through the dispatcher and returns the
// responses in declaration order.
func (d *Daemon) handleBatch(env *protocol.Envelope) {
	var batch protocol.BatchRequest
	if err := protocol.DecodeBase64(env.Payload, &batch); err != nil {
		d.sendError(env.ID, "invalid batch payload: "+err.Error())
		return
	}

	responses := d.dispatcher.Batch(context.Background(), batch.Requests)

	payload, err := protocol.EncodeBase64(&protocol.BatchResponse{Responses: responses})
	if err != nil {
		d.sendError(env.ID, "encode batch response: "+err.Error())
		return
	}
	d.send(&protocol.Envelope{
		ID:      env.ID,
		Type:    protocol.TypeResponse,
		Payload: payload,
	})
}

// send writes one envelope line.
func (d *Daemon) send(env *protocol.Envelope) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if err := d.stdout.Encode(env); err != nil {
		log.Printf("write envelope: %v", err)
	}
}

// sendError reports a channel-level failure. Exchange-level failures ride
// response payloads instead, so hosts retain the error kind.
func (d *Daemon) sendError(id, message string) {
	d.send(&protocol.Envelope{
		ID:    id,
		Type:  protocol.TypeError,
		Error: message,
	})
}

func main() {
	daemon, err := NewDaemon(os.Stdin, os.Stdout)
	if err != nil {
		log.Fatal(err)
	}
	if err := daemon.Run(); err != nil {
		log.Fatal(err)
	}
}
