// =============================================================================
// 文件: cmd/relaymux/app_test.go
// 描述: 应用集成测试 - 中继 + 两个隧道节点的完整链路
// =============================================================================
package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/relaymux/internal/config"
	"github.com/mrcgq/relaymux/internal/crypto"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置无效: %v", err)
	}
	app, err := NewApplication(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("创建应用失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := app.Start(ctx); err != nil {
		cancel()
		app.Shutdown()
		t.Fatalf("启动应用失败: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		app.Shutdown()
	})
	return app
}

func nodeConfig(identity, relayAddr, psk string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Identity = identity
	cfg.PSK = psk
	cfg.Metrics.Enabled = false
	cfg.Transport.RelayURL = "ws://" + relayAddr + "/ws"
	cfg.Session.Paths = 2
	cfg.Session.InitialRTOMs = 200
	cfg.Session.HandshakeIntervalMs = 100
	return cfg
}

func TestRelayTunnelEndToEnd(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	psk, err := crypto.GeneratePSK()
	if err != nil {
		t.Fatalf("生成 PSK 失败: %v", err)
	}

	relayAddr := freeAddr(t)
	relayCfg := config.DefaultConfig()
	relayCfg.Mode = config.ModeRelay
	relayCfg.Relay.Listen = relayAddr
	relayCfg.Metrics.Enabled = false
	relayApp := startApp(t, relayCfg)

	bobCfg := nodeConfig("bob", relayAddr, psk)
	bobCfg.Tunnel.Role = config.RoleConnect
	bobCfg.Tunnel.Target = echo.Addr().String()
	startApp(t, bobCfg)

	aliceCfg := nodeConfig("alice", relayAddr, psk)
	aliceCfg.Tunnel.Role = config.RoleListen
	aliceCfg.Tunnel.Listen = freeAddr(t)
	aliceCfg.Tunnel.Remote = "bob"
	aliceCfg.Metrics.Enabled = true
	aliceCfg.Metrics.Listen = freeAddr(t)
	alice := startApp(t, aliceCfg)

	conn, err := net.Dial("tcp", alice.tunnel.Addr())
	if err != nil {
		t.Fatalf("连接隧道失败: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	data := bytes.Repeat([]byte("relaymux end to end "), 500)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("回显数据不一致")
	}

	if relayApp.relay.GetStats().Forwarded == 0 {
		t.Error("中继应转发过信封")
	}

	status := alice.health.Check()
	if status.Components["transport"].Status != "healthy" {
		t.Errorf("传输组件应健康: %+v", status.Components["transport"])
	}
	if _, ok := status.Components["sessions"]; !ok {
		t.Error("缺少 sessions 组件")
	}
}

func TestNewApplicationUnknownMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = "bridge"
	cfg.Metrics.Enabled = false
	if _, err := NewApplication(cfg, zap.NewNop()); err == nil {
		t.Error("未知模式应返回错误")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	if err := config.WriteExampleConfig(path); err != nil {
		t.Fatalf("写入示例配置失败: %v", err)
	}
	cfg, err := loadConfig(path, config.ModeRelay, "debug")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Mode != config.ModeRelay || cfg.Log.Level != "debug" {
		t.Errorf("命令行覆盖未生效: mode=%s level=%s", cfg.Mode, cfg.Log.Level)
	}
	if _, err := loadConfig(path, "bridge", ""); err == nil {
		t.Error("无效模式覆盖应验证失败")
	}
}
