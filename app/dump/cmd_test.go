package dump

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/canreplay/pkg/cli"
	"github.com/BIwashi/canreplay/pkg/mcap"
	"github.com/BIwashi/canreplay/pkg/record"
)

const testDBC = `VERSION ""

NS_ :

BS_:

BU_: ECU

BO_ 256 Speed: 2 ECU
 SG_ VehicleSpeed : 0|16@1+ (0.1,0) [0|6553.5] "km/h" Vector__XXX
`

func writeFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	tbl, err := record.FromRecords([]record.Record{
		{Timestamp: 1.5, ID: 0x100, Data: []byte{0x10, 0x27}},
		{Timestamp: 1.6, ID: 0x200, Data: []byte{0xAA}},
		{Timestamp: 1.7, ID: 0x100, Data: []byte{0x01}},
		{Timestamp: 1.8, ID: 0x300, Data: make([]byte, 12)},
	})
	require.NoError(t, err)
	tablePath := filepath.Join(dir, "drive.mcap")
	f, err := os.Create(tablePath)
	require.NoError(t, err)
	require.NoError(t, mcap.Codec{}.Encode(f, tbl))
	require.NoError(t, f.Close())

	dbcPath := filepath.Join(dir, "vehicle.dbc")
	require.NoError(t, os.WriteFile(dbcPath, []byte(testDBC), 0o600))
	return tablePath, dbcPath
}

func input(out io.Writer) cli.Input {
	return cli.Input{Logger: slog.New(slog.DiscardHandler), Stdout: out}
}

func TestDump(t *testing.T) {
	tablePath, dbcPath := writeFiles(t)

	var out bytes.Buffer
	s := &dumper{file: tablePath, dbcFile: dbcPath}
	require.NoError(t, s.run(context.Background(), input(&out)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "1.500000 100#1027 Speed {VehicleSpeed=1000km/h}", lines[0])
	assert.Equal(t, "1.600000 200#AA", lines[1])
	assert.Contains(t, lines[2], "Speed: ")
	assert.Contains(t, lines[3], "not a classic frame")
}

func TestDumpLimitWithoutDBC(t *testing.T) {
	tablePath, _ := writeFiles(t)

	var out bytes.Buffer
	s := &dumper{file: tablePath, limit: 1}
	require.NoError(t, s.run(context.Background(), input(&out)))
	assert.Equal(t, "1.500000 100#1027\n", out.String())
}

func TestDumpErrors(t *testing.T) {
	tablePath, _ := writeFiles(t)
	dir := t.TempDir()

	s := &dumper{file: filepath.Join(dir, "missing.parquet")}
	assert.Error(t, s.run(context.Background(), input(io.Discard)))

	s = &dumper{file: tablePath, dbcFile: filepath.Join(dir, "missing.dbc")}
	assert.Error(t, s.run(context.Background(), input(io.Discard)))
}
