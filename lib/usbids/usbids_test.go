package usbids

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleUsbIds = `# Sample usb.ids fragment
0403  Future Technology Devices International, Inc
	6001  FT232 USB-Serial (UART) IC
	6010  FT2232C/D/H Dual UART/FIFO IC
1d6b  Linux Foundation
	0002  2.0 root hub
		01  Interface subtype line, ignored

C 00  (Defined at Interface level)
	01  Audio
`

func writeSampleFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte(sampleUsbIds), 0o644))
	return path
}

func TestLoad_ParsesVendorsAndProducts(t *testing.T) {
	db, err := Load([]string{writeSampleFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "Future Technology Devices International, Inc", db.Vendor("0403"))
	assert.Equal(t, "FT232 USB-Serial (UART) IC", db.Product("0403", "6001"))
	assert.Equal(t, "2.0 root hub", db.Product("1d6b", "0002"))
}

func TestLoad_VendorLookupIsCaseInsensitive(t *testing.T) {
	db, err := Load([]string{writeSampleFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "Linux Foundation", db.Vendor("1D6B"))
	assert.Equal(t, "2.0 root hub", db.Product("1D6B", "0002"))
}

func TestLoad_IgnoresClassTableAndInterfaceLines(t *testing.T) {
	db, err := Load([]string{writeSampleFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "", db.Vendor("c 00"))
	assert.Equal(t, "", db.Product("1d6b", "01"))
}

func TestLoad_UnknownIDsMissSilently(t *testing.T) {
	db, err := Load([]string{writeSampleFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "", db.Vendor("ffff"))
	assert.Equal(t, "", db.Product("ffff", "ffff"))
}

func TestLoad_FirstExistingCandidateWins(t *testing.T) {
	db, err := Load([]string{
		filepath.Join(t.TempDir(), "missing.ids"),
		writeSampleFile(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "Linux Foundation", db.Vendor("1d6b"))
}

func TestLoad_NoCandidatesReturnsEmptyDatabase(t *testing.T) {
	db, err := Load([]string{filepath.Join(t.TempDir(), "missing.ids")})
	require.NoError(t, err)
	assert.Equal(t, "", db.Vendor("0403"))
}
