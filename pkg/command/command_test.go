package command

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goadc/pkg/capture"
	"github.com/itohio/goadc/pkg/store"
)

func newTestCommander(t *testing.T) (*Commander, *capture.Session, *store.Store) {
	t.Helper()
	st := store.NewStore(store.NewMemDevice(store.DeviceSize), 5000, nil, nil, nil)
	require.NoError(t, st.Init())
	session := capture.NewSession(st, func() uint32 { return 1000 }, nil)
	return NewCommander(session, st, nil), session, st
}

type scriptRW struct {
	in  *strings.Reader
	out bytes.Buffer
}

func (s *scriptRW) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *scriptRW) Write(p []byte) (int, error) { return s.out.Write(p) }

// run feeds the input through a full Run loop and returns the output.
func run(t *testing.T, c *Commander, input string) string {
	t.Helper()
	rw := &scriptRW{in: strings.NewReader(input)}
	require.NoError(t, c.Run(context.Background(), rw))
	return rw.out.String()
}

func TestCollect(t *testing.T) {
	c, session, _ := newTestCommander(t)

	out := run(t, c, "COLLECT 2\n")
	assert.Contains(t, out, "OK COLLECTING 2")
	assert.Equal(t, capture.Collecting, session.State())
	_, target := session.Progress()
	assert.Equal(t, 10000, target)
}

func TestCollect_RawOption(t *testing.T) {
	c, session, st := newTestCommander(t)

	out := run(t, c, "COLLECT 1 RAW\n")
	assert.Contains(t, out, "OK COLLECTING 1")

	require.NoError(t, session.Feed(make([]uint16, 5000), nil))
	rec, err := st.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rec.Header.HasFiltered)
}

func TestCollect_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no args", "COLLECT\n", "usage:"},
		{"bad duration", "COLLECT x\n", "bad duration"},
		{"zero seconds", "COLLECT 0\n", "duration out of range"},
		{"too long", "COLLECT 61\n", "duration out of range"},
		{"bad option", "COLLECT 5 FAST\n", "unknown option"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestCommander(t)
			out := run(t, c, tt.input)
			assert.Contains(t, out, "ERROR: ")
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestCollect_WhileActive(t *testing.T) {
	c, _, _ := newTestCommander(t)
	out := run(t, c, "COLLECT 2\nCOLLECT 2\n")
	assert.Contains(t, out, "session already active")
}

func TestCancel(t *testing.T) {
	c, session, _ := newTestCommander(t)
	out := run(t, c, "COLLECT 2\nCANCEL\n")
	assert.Contains(t, out, "OK\n")
	assert.Equal(t, capture.Idle, session.State())
}

func TestList(t *testing.T) {
	c, _, st := newTestCommander(t)
	_, err := st.Write([]uint16{1, 2, 3}, []uint16{1, 2, 3}, 555)
	require.NoError(t, err)

	out := run(t, c, "LIST\n")
	assert.Contains(t, out, "SLOT 0 OK 3 samples RAW+FILTERED ts=555")
	assert.Contains(t, out, "SLOT 1 EMPTY")
	assert.Contains(t, out, "OK 1/10")
}

func TestDownload(t *testing.T) {
	c, _, st := newTestCommander(t)
	raw := []uint16{10, 20, 30, 40}
	slot, err := st.Write(raw, nil, 9)
	require.NoError(t, err)

	rec, err := st.Read(slot)
	require.NoError(t, err)

	out := run(t, c, "DOWNLOAD 0\n")
	wantLen := store.HeaderSize + 2*len(raw)
	assert.True(t, strings.HasPrefix(out, "START 40\n"), "got %q", out)
	assert.True(t, strings.HasSuffix(out, "END\n"), "got %q", out)

	// The END marker follows the payload directly, with no separator.
	payload := out[len("START 40\n") : len(out)-len("END\n")]
	require.Len(t, payload, wantLen)
	assert.Equal(t, rec.HeaderBytes(), []byte(payload[:store.HeaderSize]))
	assert.Equal(t, rec.RawBytes(), []byte(payload[store.HeaderSize:]))
}

func TestDownload_Errors(t *testing.T) {
	c, _, _ := newTestCommander(t)
	out := run(t, c, "DOWNLOAD 0\nDOWNLOAD 99\nDOWNLOAD\n")
	assert.Contains(t, out, "slot empty")
	assert.Contains(t, out, "slot out of range")
	assert.Contains(t, out, "expected a slot number")
}

func TestDelete(t *testing.T) {
	c, _, st := newTestCommander(t)
	_, err := st.Write([]uint16{1}, nil, 0)
	require.NoError(t, err)
	_, err = st.Write([]uint16{2}, nil, 0)
	require.NoError(t, err)

	out := run(t, c, "DELETE 0\n")
	assert.Contains(t, out, "OK")
	assert.Equal(t, 1, st.Count())
}

func TestDeleteAll(t *testing.T) {
	c, _, st := newTestCommander(t)
	for i := 0; i < 3; i++ {
		_, err := st.Write([]uint16{uint16(i)}, nil, 0)
		require.NoError(t, err)
	}

	run(t, c, "DELETE ALL\n")
	assert.Equal(t, 0, st.Count())
}

func TestVerify(t *testing.T) {
	c, _, st := newTestCommander(t)
	_, err := st.Write([]uint16{1, 2, 3}, nil, 0)
	require.NoError(t, err)

	out := run(t, c, "VERIFY 0\n")
	assert.Contains(t, out, "OK SLOT 0 VALID")

	out = run(t, c, "VERIFY 1\n")
	assert.Contains(t, out, "slot empty")
}

func TestStatus(t *testing.T) {
	c, session, _ := newTestCommander(t)

	out := run(t, c, "STATUS\n")
	assert.Contains(t, out, "STATE idle")
	assert.Contains(t, out, "SLOTS 0/10")

	require.NoError(t, session.Start(time.Second, true))
	require.NoError(t, session.Feed(make([]uint16, 512), make([]uint16, 512)))

	out = run(t, c, "STATUS\n")
	assert.Contains(t, out, "STATE collecting")
	assert.Contains(t, out, "PROGRESS 512/5000 (10%)")
}

func TestUnknownCommand(t *testing.T) {
	c, _, _ := newTestCommander(t)
	out := run(t, c, "FROB\n")
	assert.Contains(t, out, `unknown command "FROB"`)
}

func TestHelp(t *testing.T) {
	c, _, _ := newTestCommander(t)
	out := run(t, c, "HELP\n")
	assert.Contains(t, out, "COLLECT")
	assert.Contains(t, out, "DOWNLOAD")
}

func TestRun_BlankLinesIgnored(t *testing.T) {
	c, _, _ := newTestCommander(t)
	out := run(t, c, "\n\nSTATUS\n\n")
	assert.Contains(t, out, "STATE idle")
}

func TestRun_CaseInsensitive(t *testing.T) {
	c, _, _ := newTestCommander(t)
	out := run(t, c, "status\n")
	assert.Contains(t, out, "STATE idle")
}
