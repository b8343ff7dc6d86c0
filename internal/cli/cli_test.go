package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/acceptq/internal/controller"
	"github.com/ChuLiYu/acceptq/internal/server"
	"github.com/ChuLiYu/acceptq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "acceptq", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.Len(t, commandNames, 3, "Should have 3 subcommands")
	assert.True(t, commandNames["serve"], "Should have 'serve' command")
	assert.True(t, commandNames["config"], "Should have 'config' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, defaultConfigFile, configFlag.DefValue)
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand(&rootOptions{})
	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	listen := cmd.Flags().Lookup("listen")
	require.NotNil(t, listen)
	assert.Equal(t, "l", listen.Shorthand)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, `
server:
  listeners:
    - address: 127.0.0.1:8080
      accept_jobs: 4
      max_connections: 100
    - address: 127.0.0.1:8443
      tls:
        cert_file: /etc/acceptq/cert.pem
        key_file: /etc/acceptq/key.pem
job:
  read_timeout: 20ms
  write_timeout: 5s
  keepalive_timeout: 30s
  keepalive_max: 50
  buffer_size: 32KiB
  max_header_bytes: 64 KB
queue:
  capacity: 256
worker:
  min_workers: 2
  max_workers: 8
  spawn_delay: 5ms
admin:
  grpc_addr: 127.0.0.1:50052
metrics:
  enabled: true
  port: 9191
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Server.Listeners, 2)
	assert.Equal(t, 4, cfg.Server.Listeners[0].AcceptJobs)
	assert.Equal(t, 100, cfg.Server.Listeners[0].MaxConnections)
	assert.Equal(t, 1, cfg.Server.Listeners[1].AcceptJobs, "accept_jobs default")
	assert.Equal(t, "/etc/acceptq/key.pem", cfg.Server.Listeners[1].TLS.KeyFile)

	assert.Equal(t, 20*time.Millisecond, cfg.Job.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Job.KeepAliveTimeout)
	assert.Equal(t, ByteSize(32*1024), cfg.Job.BufferSize)
	assert.Equal(t, ByteSize(64000), cfg.Job.MaxHeaderBytes)
	assert.Equal(t, 256, cfg.Queue.Capacity)
	assert.Equal(t, 5*time.Millisecond, cfg.Worker.SpawnDelay)
	assert.Equal(t, "127.0.0.1:50052", cfg.Admin.GRPCAddr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)

	cc, err := cfg.controllerConfig(nil)
	require.NoError(t, err)
	assert.True(t, cc.Listeners[1].IsTLS())
	assert.Equal(t, 32*1024, cc.Job.BufferSize)
	assert.Equal(t, 30*time.Second, cc.Job.KeepAlive.KeepAliveTimeout())
	assert.Equal(t, int64(64000), cc.MaxHeaderBytes)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	require.Len(t, cfg.Server.Listeners, 1)
	assert.Equal(t, defaultListenAddr, cfg.Server.Listeners[0].Address)
	assert.Equal(t, ByteSize(16384), cfg.Job.BufferSize)
	assert.Equal(t, 15*time.Second, cfg.Job.KeepAliveTimeout)
	assert.Equal(t, controller.DefaultQueueCapacity, cfg.Queue.Capacity)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":           "server: [",
		"bad byte size":      "job:\n  buffer_size: lots\n",
		"bad duration":       "job:\n  read_timeout: soon\n",
		"bad level":          "log:\n  level: loud\n",
		"bad format":         "log:\n  format: xml\n",
		"cert only":          "server:\n  listeners:\n    - address: :1\n      tls:\n        cert_file: c.pem\n",
		"max below min":      "worker:\n  min_workers: 4\n  max_workers: 2\n",
		"metrics port":       "metrics:\n  enabled: true\n  port: 70000\n",
		"tiny queue":         "queue:\n  capacity: 1\nserver:\n  listeners:\n    - address: :1\n      accept_jobs: 2\n",
		"negative keepalive": "job:\n  keepalive_max: -1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeFile(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	// 預設路徑不存在時使用預設值
	opts := &rootOptions{configFile: defaultConfigFile}
	if _, statErr := os.Stat(defaultConfigFile); os.IsNotExist(statErr) {
		cfg, err := opts.resolveConfig()
		require.NoError(t, err)
		assert.Equal(t, defaultListenAddr, cfg.Server.Listeners[0].Address)
	}
}

func TestOverrideListeners(t *testing.T) {
	cfg := DefaultConfig()
	cfg.overrideListeners(nil)
	assert.Equal(t, defaultListenAddr, cfg.Server.Listeners[0].Address)

	cfg.overrideListeners([]string{":9001", ":9002"})
	require.Len(t, cfg.Server.Listeners, 2)
	assert.Equal(t, ":9002", cfg.Server.Listeners[1].Address)
	assert.Equal(t, 1, cfg.Server.Listeners[1].AcceptJobs)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	path := writeFile(t, "job:\n  buffer_size: 8KiB\nqueue:\n  capacity: 64\n")

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "-c", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "buffer_size: 8.0 KiB")
	assert.Contains(t, out.String(), "capacity: 64")
	assert.Contains(t, out.String(), "read_timeout: 10ms")

	// 輸出可以再讀回來
	var back Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &back))
	assert.Equal(t, ByteSize(8*1024), back.Job.BufferSize)
	assert.Equal(t, 64, back.Queue.Capacity)
}

func TestNewLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"key":"value"`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestRunServer(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := DefaultConfig()
	cfg.overrideListeners([]string{"127.0.0.1:0"})
	cfg.Worker.MinWorkers = 1
	cfg.Worker.MaxWorkers = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan *controller.Controller, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServer(ctx, cfg, io.Discard, func(c *controller.Controller) { ready <- c })
	}()

	var ctrl *controller.Controller
	select {
	case ctrl = <-ready:
	case err := <-errCh:
		t.Fatalf("server exited: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start")
	}

	client := &http.Client{Timeout: 3 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	base := "http://" + ctrl.Addrs()[0].String()

	resp, err := client.Get(base + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acceptq "+Version+"\n", string(body))

	resp, err = client.Get(base + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, ctrl.ShouldStop())
}

func TestAppHandlerStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.txt"), []byte("static"), 0o644))

	h := appHandler(dir)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "static", rec.Body.String())
}

func TestStatusCommand(t *testing.T) {
	admin := server.New("127.0.0.1:0", server.StatsSourceFunc(func() types.Stats {
		return types.Stats{Workers: 7, QueueCapacity: 32, Uptime: "5s"}
	}), nil)
	require.NoError(t, admin.Start())
	t.Cleanup(admin.Stop)
	admin.SetServing(true)

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--admin", admin.Addr().String(), "--timeout", "3s"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "SERVING")
	assert.Contains(t, out.String(), `"workers"`)
	assert.Contains(t, out.String(), "5s")
}

func TestStatusCommandUnreachable(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"status", "--admin", "127.0.0.1:1", "--timeout", "200ms"})
	assert.Error(t, cmd.Execute())
}
