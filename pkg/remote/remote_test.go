package remote

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMessageThenReadMessageRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	m := Message{ID: "mammut.cpufreq.SetFrequencyUserspaceRequest", Payload: []byte("2000000")}
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestReadMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{ID: "mammut.topology.EnumerateRequest"}))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MessageID("mammut.topology.EnumerateRequest"), got.ID)
	assert.Empty(t, got.Payload)
}

func TestReadMessageTruncatedStreamFails(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{ID: "x.y.z", Payload: []byte("hello")}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, err := ReadMessage(truncated)
	assert.Error(t, err)
}

func TestDispatcherServeUnknownMessageIDReturnsError(t *testing.T) {
	d := NewDispatcher()
	var wire bytes.Buffer
	require.NoError(t, WriteMessage(&wire, Message{ID: "mammut.unknown.Foo"}))

	rw := &loopedRW{in: &wire, out: &bytes.Buffer{}}
	require.NoError(t, d.Serve(rw))

	resp, err := ReadMessage(rw.out)
	require.NoError(t, err)
	assert.Equal(t, MessageID("mammut.unknown.Foo.Error"), resp.ID)
}

func TestDispatcherServeRoutesToHandler(t *testing.T) {
	d := NewDispatcher()
	d.Register("mammut.energy.ReadCpuRequest", func(payload []byte) ([]byte, error) {
		return []byte("42"), nil
	})

	var wire bytes.Buffer
	require.NoError(t, WriteMessage(&wire, Message{ID: "mammut.energy.ReadCpuRequest"}))
	rw := &loopedRW{in: &wire, out: &bytes.Buffer{}}
	require.NoError(t, d.Serve(rw))

	resp, err := ReadMessage(rw.out)
	require.NoError(t, err)
	assert.Equal(t, "42", string(resp.Payload))
}

// loopedRW reads requests from in and writes responses to out, modeling
// the agent side of a half-duplex channel in a test without real sockets.
type loopedRW struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (l *loopedRW) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopedRW) Write(p []byte) (int, error) { return l.out.Write(p) }

var _ io.ReadWriter = (*loopedRW)(nil)
