package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpcd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport = "uart"
window_size = 4
mtu = 2048

[uart]
device = "/dev/ttyS1"
baud = 57600
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, TransportUART, c.Transport)
	require.Equal(t, 4, c.WindowSize)
	require.Equal(t, 2048, c.MTU)
	require.Equal(t, "/dev/ttyS1", c.UART.Device)
	require.Equal(t, 57600, c.UART.Baud)
	require.Equal(t, "/run/cpcd", c.RunDir) // untouched default survives overlay
}

func TestValidateRejectsOutOfRangeWindow(t *testing.T) {
	c := Default()
	c.WindowSize = 8
	require.Error(t, c.Validate())
}

func TestValidateRequiresDeviceForTransport(t *testing.T) {
	c := Default()
	c.Transport = TransportSPI
	c.SPI.Device = ""
	require.Error(t, c.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Default().Validate())
}
