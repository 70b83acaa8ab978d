package process

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackhole-smtp/blackhole/internal/policy"
)

func TestExpandUnspecifiedHost(t *testing.T) {
	t.Parallel()

	specs, err := expand(Endpoint{Host: "", Port: "2525", Kind: KindSMTP})
	require.NoError(t, err)
	require.Len(t, specs, 2, "unspecified host must bind both families")

	assert.Equal(t, "tcp4", specs[0].Network)
	assert.Equal(t, "0.0.0.0:2525", specs[0].Address)
	assert.Equal(t, "tcp6", specs[1].Network)
	assert.Equal(t, "[::]:2525", specs[1].Address)
}

func TestExpandLiteralAddresses(t *testing.T) {
	t.Parallel()

	specs, err := expand(Endpoint{Host: "127.0.0.1", Port: "25", Kind: KindSMTP})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "tcp4", specs[0].Network)
	assert.Equal(t, "127.0.0.1:25", specs[0].Address)

	specs, err = expand(Endpoint{Host: "::1", Port: "25", Kind: KindSMTP})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "tcp6", specs[0].Network)
	assert.Equal(t, "[::1]:25", specs[0].Address)
}

func TestExpandCarriesModeAndDelay(t *testing.T) {
	t.Parallel()

	specs, err := expand(Endpoint{
		Host:  "127.0.0.1",
		Port:  "25",
		Kind:  KindSMTPS,
		Mode:  policy.ModeBounce,
		Delay: policy.Delay{Lo: 5, Hi: 10},
	})
	require.NoError(t, err)
	require.Len(t, specs, 1)

	assert.Equal(t, KindSMTPS, specs[0].Kind)
	assert.Equal(t, policy.ModeBounce, specs[0].Mode)
	assert.Equal(t, policy.Delay{Lo: 5, Hi: 10}, specs[0].Delay)
}

func TestBindEndpoints(t *testing.T) {
	t.Parallel()

	bound, err := BindEndpoints([]Endpoint{
		{Host: "127.0.0.1", Port: "0", Kind: KindSMTP, Mode: policy.ModeAccept},
	})
	require.NoError(t, err)
	defer closeAll(bound)

	require.Len(t, bound, 1)

	// the socket is really listening
	conn, err := net.Dial("tcp", bound[0].Listener.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestBindEndpointsUnresolvableHost(t *testing.T) {
	t.Parallel()

	_, err := BindEndpoints([]Endpoint{
		{Host: "does-not-exist.invalid", Port: "0", Kind: KindSMTP},
	})
	require.Error(t, err)
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()

	bound, err := BindEndpoints([]Endpoint{
		{Host: "127.0.0.1", Port: "0", Kind: KindSMTP, Mode: policy.ModeBounce, Delay: policy.Delay{Lo: 1, Hi: 2}},
		{Host: "127.0.0.1", Port: "0", Kind: KindMetrics},
	})
	require.NoError(t, err)
	defer closeAll(bound)

	files, manifest, err := workerFiles(bound)
	require.NoError(t, err)
	for _, f := range files {
		defer f.Close()
	}

	require.Len(t, files, 2)

	var specs []ListenerSpec
	require.NoError(t, json.Unmarshal([]byte(manifest), &specs))
	require.Len(t, specs, 2)

	assert.Equal(t, KindSMTP, specs[0].Kind)
	assert.Equal(t, policy.ModeBounce, specs[0].Mode)
	assert.Equal(t, policy.Delay{Lo: 1, Hi: 2}, specs[0].Delay)
	assert.Equal(t, KindMetrics, specs[1].Kind)
}

func TestInheritedListenersWithoutManifest(t *testing.T) {
	t.Setenv(manifestEnv, "")

	_, err := InheritedListeners()
	require.Error(t, err)
}

func TestInheritedListenersMalformedManifest(t *testing.T) {
	t.Setenv(manifestEnv, "{nope")

	_, err := InheritedListeners()
	require.Error(t, err)
}

func TestPidfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blackhole.pid")

	require.NoError(t, WritePidfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(string(content[:len(content)-1]))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	RemovePidfile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// removing twice is fine
	RemovePidfile(path)
}
