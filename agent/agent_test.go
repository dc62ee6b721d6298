package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guseggert/rbridge/agent/invoke"
	inet "github.com/guseggert/rbridge/internal/net"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// fakeRScript stands in for the R process so agent tests don't need an R
// install.
const fakeRScript = `#!/bin/sh
RESPONSE='%s'
while IFS= read -r line; do
  case "$line" in
    "write('<s>', stdout())") echo "<s>" ;;
    "write('<e>', stdout())") echo "<e>" ;;
    "toJSON(output)") printf '%%s\n' "$RESPONSE" ;;
    *) : ;;
  esac
done
`

func writeFakeR(t *testing.T, response string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-r")
	err := os.WriteFile(path, []byte(fmt.Sprintf(fakeRScript, response)), 0o755)
	require.NoError(t, err)
	return path
}

func startAgent(t *testing.T, cfg BridgeConfig) (*BridgeAgent, *Certs, int) {
	t.Helper()
	certs, err := GenerateCerts()
	require.NoError(t, err)

	port, err := inet.EphemeralTCPPort()
	require.NoError(t, err)

	a, err := NewBridgeAgent(
		cfg,
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
		WithScriptsDir(t.TempDir()),
	)
	require.NoError(t, err)

	go a.Run()
	t.Cleanup(func() { require.NoError(t, a.Stop()) })

	return a, certs, port
}

func startClient(t *testing.T, certs *Certs, port int) *Client {
	t.Helper()
	client, err := NewClient(log, certs, "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(context.Background()))
	t.Cleanup(func() { client.Cleanup() })
	return client
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	_, serverCerts, port := startAgent(t, BridgeConfig{Function: "f", Executable: "/bin/sh"})

	// client certs with the same CA name but keys signed by some other CA,
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA

	client, err := NewClient(log, clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls: bad certificate")
}

func TestScriptRoundTrip(t *testing.T) {
	_, certs, port := startAgent(t, BridgeConfig{Function: "f", Executable: "/bin/sh"})
	client := startClient(t, certs, port)

	ctx := context.Background()
	err := client.SendScript(ctx, "recommend", bytes.NewBufferString("model <- load_model()\n"))
	require.NoError(t, err)

	rc, err := client.ReadScript(ctx, "recommend")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "model <- load_model()\n", string(b))

	_, err = client.ReadScript(ctx, "missing")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestInvoke(t *testing.T) {
	script := writeFakeR(t, `[1] "[\"bottled beer\",0.6]"`)
	_, certs, port := startAgent(t, BridgeConfig{Function: "recommend", Executable: script, Libraries: []string{"rules"}})
	client := startClient(t, certs, port)

	ctx := context.Background()
	vals, err := client.Invoke(ctx, []interface{}{"liquor", "red/blush wine"})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "bottled beer", vals[0])

	// same connection, second call
	vals, err = client.Invoke(ctx, []interface{}{"citrus fruit"})
	require.NoError(t, err)
	assert.Equal(t, "bottled beer", vals[0])
}

func TestInvokeNoResult(t *testing.T) {
	script := writeFakeR(t, `[1] "[]"`)
	_, certs, port := startAgent(t, BridgeConfig{Function: "recommend", Executable: script})
	client := startClient(t, certs, port)

	vals, err := client.Invoke(context.Background(), []interface{}{"bob", "fsdflkj"})
	require.NoError(t, err)
	assert.Nil(t, vals)
}

func TestInvokeStartupFailureIsFatal(t *testing.T) {
	_, certs, port := startAgent(t, BridgeConfig{Function: "f", Executable: filepath.Join(t.TempDir(), "no-such-r")})
	client := startClient(t, certs, port)

	ctx := context.Background()
	_, err := client.Invoke(ctx, []interface{}{"a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, invoke.ErrRemoteFatal))

	// the agent's bridge is poisoned: the same fatal error keeps coming back
	_, err = client.Invoke(ctx, []interface{}{"b"})
	require.ErrorIs(t, err, invoke.ErrRemoteFatal)
}

func TestInvokeUsesUploadedInitScript(t *testing.T) {
	// the fake R script's init code is invisible to it, but the agent must
	// fail when a configured init script was never uploaded
	script := writeFakeR(t, `[1] "[]"`)
	_, certs, port := startAgent(t, BridgeConfig{Function: "f", Executable: script, InitScript: "missing"})
	client := startClient(t, certs, port)

	_, err := client.Invoke(context.Background(), []interface{}{"a"})
	require.ErrorIs(t, err, invoke.ErrRemoteFatal)
	assert.ErrorContains(t, err, "init script")
}
