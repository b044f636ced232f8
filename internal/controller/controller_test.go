package controller

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerNameStripsHyphensAndTruncates(t *testing.T) {
	assert.Equal(t, "noxterm-session-abcdef012345", ContainerName("ABCDEF01-2345-6789-abcd-ef0123456789"))
}

func TestContainerNameKeepsShortIDsWhole(t *testing.T) {
	assert.Equal(t, "noxterm-session-abc123", ContainerName("abc-123"))
}

func TestContainerDisplayNameStripsLeadingSlash(t *testing.T) {
	assert.Equal(t, "noxterm-session-deadbeef0000", containerDisplayName([]string{"/noxterm-session-deadbeef0000"}))
}

func TestContainerDisplayNameEmptyWhenNoNames(t *testing.T) {
	assert.Equal(t, "", containerDisplayName(nil))
}

func TestDecodeJSONParsesDockerStatsShape(t *testing.T) {
	const payload = `{
		"cpu_stats": {"cpu_usage": {"total_usage": 2000, "percpu_usage": [1000, 1000]}, "system_cpu_usage": 100000},
		"precpu_stats": {"cpu_usage": {"total_usage": 1000}, "system_cpu_usage": 90000},
		"memory_stats": {"usage": 52428800, "limit": 536870912},
		"networks": {"eth0": {"rx_bytes": 1024, "tx_bytes": 2048}}
	}`

	var raw containerStatsJSON
	require.NoError(t, decodeJSON(strings.NewReader(payload), &raw))

	assert.Equal(t, int64(2000), raw.CPUStats.CPUUsage.TotalUsage)
	assert.Equal(t, int64(1000), raw.PreCPUStats.CPUUsage.TotalUsage)
	assert.Equal(t, int64(52428800), raw.MemoryStats.Usage)
	assert.Equal(t, int64(1024), raw.Networks["eth0"].RxBytes)
}
