// Package remote implements the wire protocol and Communicator duality
// between a local module (talking straight to sysfs) and a remote agent
// reached over a half-duplex, length-prefixed channel. The framing uses
// encoding/binary the way the AMDEPYC fork's perf_event_reader decodes
// fixed-width kernel structures, rather than a full RPC framework —
// nothing in the retrieved pack pulls in gRPC/Thrift for this kind of
// single-channel request/response link.
package remote

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/DanieleDeSensi/mammut/pkg/errs"
)

// MessageID is a stable string of shape "<namespace>.<module>.<type>",
// e.g. "mammut.cpufreq.SetFrequencyUserspaceRequest".
type MessageID string

// Message is one frame on the wire: a MessageID plus an opaque payload.
type Message struct {
	ID      MessageID
	Payload []byte
}

const maxPayloadBytes = 64 << 20

// WriteMessage frames m as [4-byte idLen][id][4-byte payloadLen][payload]
// in network byte order.
func WriteMessage(w io.Writer, m Message) error {
	idBytes := []byte(m.ID)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(idBytes)))
	if _, err := w.Write(header[:]); err != nil {
		return errs.New("WriteMessage", errs.Transport, err)
	}
	if _, err := w.Write(idBytes); err != nil {
		return errs.New("WriteMessage", errs.Transport, err)
	}
	binary.BigEndian.PutUint32(header[:], uint32(len(m.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return errs.New("WriteMessage", errs.Transport, err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return errs.New("WriteMessage", errs.Transport, err)
		}
	}
	return nil
}

// ReadMessage reads a frame written by WriteMessage.
func ReadMessage(r io.Reader) (Message, error) {
	idLen, err := readUint32(r)
	if err != nil {
		return Message{}, errs.New("ReadMessage", errs.Transport, err)
	}
	if idLen > maxPayloadBytes {
		return Message{}, errs.New("ReadMessage", errs.Transport, fmt.Errorf("message id too large: %d bytes", idLen))
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return Message{}, errs.New("ReadMessage", errs.Transport, err)
	}
	payloadLen, err := readUint32(r)
	if err != nil {
		return Message{}, errs.New("ReadMessage", errs.Transport, err)
	}
	if payloadLen > maxPayloadBytes {
		return Message{}, errs.New("ReadMessage", errs.Transport, fmt.Errorf("payload too large: %d bytes", payloadLen))
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, errs.New("ReadMessage", errs.Transport, err)
		}
	}
	return Message{ID: MessageID(id), Payload: payload}, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Handler processes one request payload for a known MessageID and
// returns the response payload.
type Handler func(payload []byte) ([]byte, error)

// Communicator is the transport seam every remote-capable module talks
// through: Send blocks until the single in-flight request completes.
type Communicator interface {
	Send(id MessageID, payload []byte) (Message, error)
	Close() error
}

// ChannelCommunicator implements Communicator over a single io.ReadWriter,
// enforcing at-most-one in-flight message with chanMu — the half-duplex
// requirement from the wire protocol.
type ChannelCommunicator struct {
	chanMu sync.Mutex
	rw     io.ReadWriter
	r      *bufio.Reader
}

// NewChannelCommunicator wraps rw, which must already be connected.
func NewChannelCommunicator(rw io.ReadWriter) *ChannelCommunicator {
	return &ChannelCommunicator{rw: rw, r: bufio.NewReader(rw)}
}

func (c *ChannelCommunicator) Send(id MessageID, payload []byte) (Message, error) {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	if err := WriteMessage(c.rw, Message{ID: id, Payload: payload}); err != nil {
		return Message{}, err
	}
	resp, err := ReadMessage(c.r)
	if err != nil {
		return Message{}, err
	}
	return resp, nil
}

func (c *ChannelCommunicator) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Dispatcher routes inbound requests on the agent side to the handler
// registered for their MessageID, rejecting anything unrecognized per
// the wire protocol's requirement.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageID]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[MessageID]Handler{}}
}

// Register binds id to h, overwriting any previous binding.
func (d *Dispatcher) Register(id MessageID, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[id] = h
}

// Serve reads one request from rw, dispatches it, and writes the
// response (or an error frame under the same id suffixed ".Error").
func (d *Dispatcher) Serve(rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	req, err := ReadMessage(r)
	if err != nil {
		return err
	}
	d.mu.RLock()
	h, ok := d.handlers[req.ID]
	d.mu.RUnlock()
	if !ok {
		return WriteMessage(rw, Message{ID: req.ID + ".Error", Payload: []byte(fmt.Sprintf("unknown module for message id %q", req.ID))})
	}
	respPayload, err := h(req.Payload)
	if err != nil {
		return WriteMessage(rw, Message{ID: req.ID + ".Error", Payload: []byte(err.Error())})
	}
	return WriteMessage(rw, Message{ID: req.ID, Payload: respPayload})
}
