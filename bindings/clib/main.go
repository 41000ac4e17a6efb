// C ABI for the mimic engine, built with -buildmode=c-shared.
//
// Payload-carrying calls exist in two forms: the legacy form moves
// base64-wrapped MessagePack through C strings (NUL-safe for every FFI
// layer), the _zc form moves raw MessagePack with an explicit length.
// Every returned pointer is owned by the caller and must be released with
// mimic_free_payload.
package main

/*
#include <stdlib.h>
#include <stdint.h>
#include <unistd.h>
*/
import "C"

import (
	"context"
	"encoding/base64"
	"io"
	"log"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/sardanioss/mimic/client"
	"github.com/sardanioss/mimic/dispatch"
	"github.com/sardanioss/mimic/protocol"
)

var (
	engineOnce sync.Once
	engine     *dispatch.Dispatcher
	engineErr  error
)

// getEngine lazily builds the process-wide dispatcher. The boundary is the
// one place a process-wide default lives; everything underneath is threaded
// explicitly.
func getEngine() (*dispatch.Dispatcher, error) {
	engineOnce.Do(func() {
		c, err := client.New()
		if err != nil {
			engineErr = err
			return
		}
		engine = dispatch.New(c)
	})
	return engine, engineErr
}

// marshalB64 encodes a response as base64-wrapped msgpack in C memory.
func marshalB64(resp *protocol.ResponseMessage) *C.char {
	s, err := protocol.EncodeBase64(resp)
	if err != nil {
		fallback := protocol.ErrorResponseWithKind(resp.RequestID, "ProtocolError", "failed to encode response")
		s, _ = protocol.EncodeBase64(fallback)
	}
	return C.CString(s)
}

// marshalRaw encodes v as raw msgpack in C memory and reports its length.
// C.CString copies NUL bytes fine; the explicit length makes them readable.
func marshalRaw(v interface{}, outLen *C.int) *C.char {
	raw, err := protocol.Encode(v)
	if err != nil {
		raw, _ = protocol.Encode(protocol.ErrorResponseWithKind("", "ProtocolError", "failed to encode response"))
	}
	*outLen = C.int(len(raw))
	return C.CString(string(raw))
}

// marshalFrame encodes a WS/SSE boundary payload, nil when encoding fails.
func marshalFrame(v interface{}) *C.char {
	s, err := protocol.EncodeBase64(v)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

//export mimic_sync_request
func mimic_sync_request(data *C.char) *C.char {
	if data == nil {
		return marshalB64(protocol.ErrorResponseWithKind("", "ProtocolError", "empty payload"))
	}
	var msg protocol.RequestMessage
	if err := protocol.DecodeBase64(C.GoString(data), &msg); err != nil {
		return marshalB64(protocol.ErrorResponseWithKind("", "ProtocolError", "invalid payload: "+err.Error()))
	}
	d, err := getEngine()
	if err != nil {
		return marshalB64(protocol.ErrorResponse(msg.RequestID, err))
	}
	return marshalB64(d.Do(context.Background(), &msg))
}

//export mimic_sync_request_zc
func mimic_sync_request_zc(data *C.char, dataLen C.int, outLen *C.int) *C.char {
	if data == nil || dataLen <= 0 {
		return marshalRaw(protocol.ErrorResponseWithKind("", "ProtocolError", "empty payload"), outLen)
	}
	var msg protocol.RequestMessage
	if err := protocol.Decode(C.GoBytes(unsafe.Pointer(data), dataLen), &msg); err != nil {
		return marshalRaw(protocol.ErrorResponseWithKind("", "ProtocolError", "invalid payload: "+err.Error()), outLen)
	}
	d, err := getEngine()
	if err != nil {
		return marshalRaw(protocol.ErrorResponse(msg.RequestID, err), outLen)
	}
	return marshalRaw(d.Do(context.Background(), &msg), outLen)
}

//export mimic_submit_async
func mimic_submit_async(data *C.char) C.uintptr_t {
	if data == nil {
		return 0
	}
	var msg protocol.RequestMessage
	if err := protocol.DecodeBase64(C.GoString(data), &msg); err != nil {
		return 0
	}
	d, err := getEngine()
	if err != nil {
		return 0
	}
	return C.uintptr_t(d.Submit(&msg))
}

//export mimic_poll_async
func mimic_poll_async(handle C.uintptr_t) *C.char {
	if handle == 0 {
		return nil
	}
	d, err := getEngine()
	if err != nil {
		return nil
	}
	resp, ready := d.Poll(dispatch.Handle(handle))
	if !ready || resp == nil {
		return nil
	}
	return marshalB64(resp)
}

//export mimic_submit_with_notify
func mimic_submit_with_notify(data *C.char, dataLen C.int, notifyFD C.int) C.uintptr_t {
	if data == nil || dataLen <= 0 {
		return 0
	}
	var msg protocol.RequestMessage
	if err := protocol.Decode(C.GoBytes(unsafe.Pointer(data), dataLen), &msg); err != nil {
		return 0
	}
	d, err := getEngine()
	if err != nil {
		return 0
	}
	fd := notifyFD
	return C.uintptr_t(d.SubmitNotify(&msg, func() {
		// One byte on the pipe wakes the host; it then calls
		// mimic_take_async_result exactly once.
		var b [1]byte
		b[0] = 1
		C.write(fd, unsafe.Pointer(&b[0]), 1)
	}))
}

//export mimic_take_async_result
func mimic_take_async_result(handle C.uintptr_t, outLen *C.int) *C.char {
	if handle == 0 {
		return nil
	}
	d, err := getEngine()
	if err != nil {
		return nil
	}
	resp := d.Take(dispatch.Handle(handle))
	if resp == nil {
		return nil
	}
	return marshalRaw(resp, outLen)
}

//export mimic_cancel_async
func mimic_cancel_async(handle C.uintptr_t) {
	if handle == 0 {
		return
	}
	if d, err := getEngine(); err == nil {
		d.Free(dispatch.Handle(handle))
	}
}

//export mimic_batch_request
func mimic_batch_request(data *C.char) *C.char {
	if data == nil {
		return marshalB64(protocol.ErrorResponseWithKind("", "ProtocolError", "empty payload"))
	}
	var batch protocol.BatchRequest
	if err := protocol.DecodeBase64(C.GoString(data), &batch); err != nil {
		return marshalB64(protocol.ErrorResponseWithKind("", "ProtocolError", "invalid batch payload: "+err.Error()))
	}
	d, err := getEngine()
	if err != nil {
		return marshalB64(protocol.ErrorResponse("", err))
	}
	out := d.Batch(context.Background(), batch.Requests)
	s, err := protocol.EncodeBase64(&protocol.BatchResponse{Responses: out})
	if err != nil {
		return marshalB64(protocol.ErrorResponseWithKind("", "ProtocolError", "failed to encode batch response"))
	}
	return C.CString(s)
}

//export mimic_batch_request_zc
func mimic_batch_request_zc(data *C.char, dataLen C.int, outLen *C.int) *C.char {
	if data == nil || dataLen <= 0 {
		return marshalRaw(protocol.ErrorResponseWithKind("", "ProtocolError", "empty payload"), outLen)
	}
	var batch protocol.BatchRequest
	if err := protocol.Decode(C.GoBytes(unsafe.Pointer(data), dataLen), &batch); err != nil {
		return marshalRaw(protocol.ErrorResponseWithKind("", "ProtocolError", "invalid batch payload: "+err.Error()), outLen)
	}
	d, err := getEngine()
	if err != nil {
		return marshalRaw(protocol.ErrorResponse("", err), outLen)
	}
	out := d.Batch(context.Background(), batch.Requests)
	return marshalRaw(&protocol.BatchResponse{Responses: out}, outLen)
}

// loadWS resolves a WebSocket handle, nil for stale or foreign values.
func loadWS(handle C.uintptr_t) (ws *client.WSConn) {
	if handle == 0 {
		return nil
	}
	defer func() { _ = recover() }()
	ws, _ = cgo.Handle(handle).Value().(*client.WSConn)
	return ws
}

// loadSSE resolves an SSE handle, nil for stale or foreign values.
func loadSSE(handle C.uintptr_t) (conn *client.SSEConn) {
	if handle == 0 {
		return nil
	}
	defer func() { _ = recover() }()
	conn, _ = cgo.Handle(handle).Value().(*client.SSEConn)
	return conn
}

func deleteHandle(handle C.uintptr_t) {
	defer func() { _ = recover() }()
	cgo.Handle(handle).Delete()
}

//export mimic_ws_connect
func mimic_ws_connect(data *C.char) C.uintptr_t {
	if data == nil {
		return 0
	}
	var msg protocol.RequestMessage
	if err := protocol.DecodeBase64(C.GoString(data), &msg); err != nil {
		log.Printf("mimic: ws_connect invalid payload: %v", err)
		return 0
	}
	d, err := getEngine()
	if err != nil {
		log.Printf("mimic: ws_connect engine: %v", err)
		return 0
	}
	ws, err := d.WSConnect(context.Background(), &msg)
	if err != nil {
		log.Printf("mimic: ws_connect failed: %v", err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(ws))
}

//export mimic_ws_send
func mimic_ws_send(handle C.uintptr_t, opcode C.int, data *C.char) C.int {
	ws := loadWS(handle)
	if ws == nil {
		return -1
	}
	var payload []byte
	if data != nil {
		raw, err := base64.StdEncoding.DecodeString(C.GoString(data))
		if err != nil {
			return -2
		}
		payload = raw
	}
	if err := ws.Send(int(opcode), payload); err != nil {
		log.Printf("mimic: ws_send failed: %v", err)
		return -3
	}
	return 0
}

//export mimic_ws_receive
func mimic_ws_receive(handle C.uintptr_t) *C.char {
	ws := loadWS(handle)
	if ws == nil {
		return nil
	}
	m, err := ws.Receive()
	if err != nil {
		return marshalFrame(&protocol.WSFrame{Error: err.Error()})
	}
	frame := &protocol.WSFrame{Type: m.Opcode}
	switch m.Opcode {
	case client.WSOpBinary:
		frame.Data = base64.StdEncoding.EncodeToString(m.Data)
	case client.WSOpClose:
		frame.Data = string(m.Data)
		frame.Code = m.Code
	default:
		frame.Data = string(m.Data)
	}
	return marshalFrame(frame)
}

//export mimic_ws_close
func mimic_ws_close(handle C.uintptr_t) {
	ws := loadWS(handle)
	if ws == nil {
		return
	}
	ws.Close(0, "")
	deleteHandle(handle)
}

//export mimic_sse_connect
func mimic_sse_connect(data *C.char) C.uintptr_t {
	if data == nil {
		return 0
	}
	var msg protocol.RequestMessage
	if err := protocol.DecodeBase64(C.GoString(data), &msg); err != nil {
		log.Printf("mimic: sse_connect invalid payload: %v", err)
		return 0
	}
	d, err := getEngine()
	if err != nil {
		log.Printf("mimic: sse_connect engine: %v", err)
		return 0
	}
	conn, err := d.SSEConnect(context.Background(), &msg)
	if err != nil {
		log.Printf("mimic: sse_connect failed: %v", err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(conn))
}

//export mimic_sse_next_event
func mimic_sse_next_event(handle C.uintptr_t) *C.char {
	conn := loadSSE(handle)
	if conn == nil {
		return nil
	}
	evt, err := conn.Next()
	if err == io.EOF {
		return marshalFrame(&protocol.SSEMessage{EOF: true})
	}
	if err != nil {
		return marshalFrame(&protocol.SSEMessage{Error: err.Error(), EOF: true})
	}
	return marshalFrame(&protocol.SSEMessage{
		Data:  evt.Data,
		Event: evt.Event,
		ID:    evt.ID,
		Retry: evt.Retry,
	})
}

//export mimic_sse_close
func mimic_sse_close(handle C.uintptr_t) {
	conn := loadSSE(handle)
	if conn == nil {
		return
	}
	conn.Close()
	deleteHandle(handle)
}

//export mimic_free_payload
func mimic_free_payload(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {}
