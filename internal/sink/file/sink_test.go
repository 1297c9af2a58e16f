package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// records builds a headerless batch of pcap records, as an output buffer does.
func records(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000+int64(i), 0),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return buf.Bytes()
}

func TestSendWritesReadablePcap(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dump")
	s, err := New(dir, 65535, layers.LinkTypeEthernet)
	require.NoError(t, err)

	batch := records(t, []byte{1, 2, 3, 4}, []byte{5, 6})
	require.NoError(t, s.Send(context.Background(), batch))

	f, err := os.Open(filepath.Join(dir, "output-0.pcap"))
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.Equal(t, int64(1700000000), ci.Timestamp.Unix())

	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6}, data)
}

func TestSendNamesFilesSequentially(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 1500, layers.LinkTypeRaw)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(context.Background(), records(t, []byte{byte(i)})))
	}

	for _, name := range []string{"output-0.pcap", "output-1.pcap", "output-2.pcap"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.Equal(t, "file", s.Name())
	assert.NoError(t, s.Close())
}

func TestSendFailsOnMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	s, err := New(dir, 1500, layers.LinkTypeEthernet)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	assert.Error(t, s.Send(context.Background(), records(t, []byte{1})))
}
