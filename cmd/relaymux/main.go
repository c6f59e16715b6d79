// =============================================================================
// 文件: cmd/relaymux/main.go
// 描述: 主程序入口 - 中继模式与隧道模式
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/relaymux/internal/config"
	"github.com/mrcgq/relaymux/internal/crypto"
	"github.com/mrcgq/relaymux/internal/logging"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	mode := flag.String("mode", "", "运行模式: relay/tunnel (覆盖配置文件)")
	logLevel := flag.String("log-level", "", "日志级别: debug/info/warn/error")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genPSK {
		psk, err := crypto.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成 PSK 失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(psk)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := loadConfig(*configPath, *mode, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Error("初始化失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logger.Error("启动失败", zap.Error(err))
		app.Shutdown()
		os.Exit(1)
	}
	printBanner(cfg, app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadLogLevel(*configPath, *logLevel, level, logger)
			continue
		}
		break
	}

	logger.Info("正在关闭...")
	cancel()
	app.Shutdown()
}

// loadConfig 加载配置并应用命令行覆盖
func loadConfig(path, mode, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if mode == "" && logLevel == "" {
		return cfg, nil
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reloadLogLevel SIGHUP 时重新读取日志级别
func reloadLogLevel(path, override string, level zap.AtomicLevel, logger *zap.Logger) {
	lvl := override
	if lvl == "" {
		cfg, err := config.Load(path)
		if err != nil {
			logger.Warn("重新加载配置失败", zap.Error(err))
			return
		}
		lvl = cfg.Log.Level
	}
	level.SetLevel(logging.ParseLevel(lvl))
	logger.Info("日志级别已更新", zap.String("level", level.String()))
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("relaymux v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("运行模式:")
	fmt.Println("  - relay   : WebSocket 中继，按路径地址转发信封")
	fmt.Println("  - tunnel  : 隧道节点，TCP 连接经多路径会话传输")
	fmt.Println()
	fmt.Println("隧道角色:")
	fmt.Println("  - listen  : 本地 TCP/SOCKS5 入口，向对端拨出会话")
	fmt.Println("  - connect : 接受入站会话并连接 TCP 目标")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  relaymux -c relay.yaml -mode relay")
	fmt.Println("  relaymux -c node.yaml -mode tunnel")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态 (SIGHUP 重新加载日志级别)")
}

func printBanner(cfg *config.Config, app *Application) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  relaymux v%-47s║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  模式:   %-49s║\n", cfg.Mode)
	switch cfg.Mode {
	case config.ModeRelay:
		fmt.Printf("║  监听:   %-49s║\n", cfg.Relay.Listen+cfg.Relay.Path)
	case config.ModeTunnel:
		fmt.Printf("║  身份:   %-49s║\n", cfg.Identity)
		fmt.Printf("║  中继:   %-49s║\n", cfg.Transport.RelayURL)
		role := cfg.Tunnel.Role
		if app.tunnel != nil && app.tunnel.Addr() != "" {
			role += " " + app.tunnel.Addr() + " -> " + cfg.Tunnel.Remote
		}
		fmt.Printf("║  隧道:   %-49s║\n", role)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("║  指标:   %-49s║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Printf("║  启动:   %-49s║\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}
