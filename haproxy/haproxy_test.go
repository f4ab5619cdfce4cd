package haproxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	proxyrotator "go-proxyrotator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTemplate = `global
    maxconn 4096

backend squids
    balance roundrobin
{{.Servers}}
`

func records(addresses ...string) []proxyrotator.ProxyRecord {
	var out []proxyrotator.ProxyRecord
	for _, address := range addresses {
		out = append(out, proxyrotator.ProxyRecord{Address: address, Region: 3, InstanceID: "1"})
	}
	return out
}

func TestRender(t *testing.T) {
	t.Run("should list every proxy once with consecutive names", func(t *testing.T) {
		// Arrange
		var sut, err = NewFromString(testTemplate, "", WithSeed(7))
		require.NoError(t, err)

		// Act
		var config, renderErr = sut.Render(records("10.0.0.1", "10.0.0.2", "10.0.0.3"))

		// Assert
		require.NoError(t, renderErr)
		var text = string(config)
		for _, address := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			assert.Equal(t, 1, strings.Count(text, address+":8321 check inter 10000 rise 2 fall 5"))
		}
		for _, name := range []string{"squid1 ", "squid2 ", "squid3 "} {
			assert.Contains(t, text, "\tserver  "+name)
		}
		assert.NotContains(t, text, "squid4")
		assert.True(t, strings.HasPrefix(text, "global\n"))
	})

	t.Run("should use configured backend port", func(t *testing.T) {
		var sut, err = NewFromString(testTemplate, "", WithBackendPort(3128))
		require.NoError(t, err)

		var config, _ = sut.Render(records("10.0.0.1"))

		assert.Contains(t, string(config), "\tserver  squid1 10.0.0.1:3128 check")
	})

	t.Run("should render an empty backend list", func(t *testing.T) {
		var sut, err = NewFromString(testTemplate, "")
		require.NoError(t, err)

		var config, renderErr = sut.Render(nil)

		require.NoError(t, renderErr)
		assert.NotContains(t, string(config), "server")
	})

	t.Run("should shuffle reproducibly with a seed", func(t *testing.T) {
		// Arrange
		var addresses = []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"}
		var first, _ = NewFromString(testTemplate, "", WithSeed(42))
		var second, _ = NewFromString(testTemplate, "", WithSeed(42))

		// Act
		var a, _ = first.Render(records(addresses...))
		var b, _ = second.Render(records(addresses...))

		// Assert
		assert.Equal(t, string(a), string(b))
	})

	t.Run("should accept legacy placeholder", func(t *testing.T) {
		// Arrange
		var legacy = "defaults\n    log-format %%ci\nbackend squids\n%(squid_config)s\n"
		var sut, err = NewFromString(legacy, "")
		require.NoError(t, err)

		// Act
		var config, renderErr = sut.Render(records("10.0.0.9"))

		// Assert
		require.NoError(t, renderErr)
		assert.Equal(t, "defaults\n    log-format %ci\nbackend squids\n\tserver  squid1 10.0.0.9:8321 check inter 10000 rise 2 fall 5\n", string(config))
	})

	t.Run("should reject template without placeholder", func(t *testing.T) {
		var _, err = NewFromString("global\n", "")

		assert.ErrorIs(t, err, proxyrotator.ErrConfig)
	})

	t.Run("should reject missing template file", func(t *testing.T) {
		var _, err = New(filepath.Join(t.TempDir(), "missing.tmpl"), "out.cfg")

		assert.Error(t, err)
	})
}

func TestApply(t *testing.T) {
	t.Run("should replace output file", func(t *testing.T) {
		// Arrange
		var (
			dir    = t.TempDir()
			output = filepath.Join(dir, "haproxy.cfg")
		)
		require.NoError(t, os.WriteFile(output, []byte("old"), 0o644))
		var sut, err = NewFromString(testTemplate, output)
		require.NoError(t, err)

		// Act
		err = sut.Apply(context.Background(), []byte("new config"))

		// Assert
		require.NoError(t, err)
		var content, _ = os.ReadFile(output)
		assert.Equal(t, "new config", string(content))

		var entries, _ = os.ReadDir(dir)
		assert.Len(t, entries, 1)
	})

	t.Run("should fail when output directory is missing", func(t *testing.T) {
		var sut, err = NewFromString(testTemplate, filepath.Join(t.TempDir(), "nope", "haproxy.cfg"))
		require.NoError(t, err)

		assert.Error(t, sut.Apply(context.Background(), []byte("x")))
	})
}

func TestReload(t *testing.T) {
	t.Run("should run reload command", func(t *testing.T) {
		// Arrange
		var marker = filepath.Join(t.TempDir(), "reloaded")
		var sut, err = NewFromString(testTemplate, "", WithReloadCommand("touch "+marker))
		require.NoError(t, err)

		// Act
		err = sut.Reload(context.Background())

		// Assert
		require.NoError(t, err)
		assert.FileExists(t, marker)
	})

	t.Run("should retry and report failing command", func(t *testing.T) {
		// Arrange
		var counter = filepath.Join(t.TempDir(), "attempts")
		var sut, err = NewFromString(testTemplate, "",
			WithReloadCommand("echo x >> "+counter+"; echo broken >&2; exit 3"),
			WithReloadRetries(3, time.Millisecond),
		)
		require.NoError(t, err)

		// Act
		err = sut.Reload(context.Background())

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited with 3")
		assert.Contains(t, err.Error(), "broken")
		var attempts, _ = os.ReadFile(counter)
		assert.Equal(t, 3, strings.Count(string(attempts), "x"))
	})

	t.Run("should skip reload in test mode", func(t *testing.T) {
		var sut, err = NewFromString(testTemplate, "", WithReloadCommand("exit 1"), WithTestMode(true))
		require.NoError(t, err)

		assert.NoError(t, sut.Reload(context.Background()))
	})
}
