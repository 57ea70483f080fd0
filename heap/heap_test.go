package heap_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/device/host"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newHostDevice(t *testing.T, options host.Options) *host.Device {
	hostDevice, err := host.New(testLogger(), options)
	require.NoError(t, err)
	return hostDevice
}
