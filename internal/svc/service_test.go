package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.ConfigPath = "/etc/countitems/test.yaml"
	cfg.EnvFile = "/etc/countitems/env"
	cfg.UserName = "countitems"

	svcCfg := NewServiceConfig(cfg)
	assert.Equal(t, "countitems", svcCfg.Name)
	assert.Equal(t, []string{
		ServiceRunFlag, "run", "--config", "/etc/countitems/test.yaml", "--log-format", "json",
		"--env-file", "/etc/countitems/env",
	}, svcCfg.Arguments)

	if runtime.GOOS == "linux" {
		assert.Equal(t, "on-failure", svcCfg.Option["Restart"])
		assert.Equal(t, "countitems", svcCfg.UserName)
	}
}

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"countitems", ServiceRunFlag, "run"}))
	assert.False(t, IsServiceMode([]string{"countitems", "run"}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/tmp/config.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/tmp/config.yaml", path)
	case <-time.After(5 * time.Second):
		t.Fatal("program did not start")
	}
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_FailureExits(t *testing.T) {
	exited := make(chan int, 1)
	prg := &Program{
		Run: func(ctx context.Context, configPath string) error {
			return errors.New("store unreachable")
		},
		exit: func(code int) { exited <- code },
	}

	require.NoError(t, prg.Start(nil))
	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("program did not exit")
	}
	assert.Error(t, prg.Stop(nil))
}
