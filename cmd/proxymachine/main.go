package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"proxy_machine/internal/app"
	"proxy_machine/internal/shared/config"
	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/sys/rlimit"
)

// openFilesWanted matches the descriptor budget of a full validation fan-out.
const openFilesWanted = 4096

type options struct {
	ConfigDir  string `long:"configdir" default:"configs" description:"Path to config directory"`
	ConfigFile string `short:"C" long:"config" description:"Path to the ini file (default: <configdir>/proxymachine.ini)"`
	LogLevel   string `long:"loglevel" description:"Override log.level (trace, debug, info, warn, error)"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	iniPath := opts.ConfigFile
	if iniPath == "" {
		iniPath = filepath.Join(opts.ConfigDir, "proxymachine.ini")
	}

	// 1. 加载 .ini 配置
	cfg, err := config.Load(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if opts.LogLevel != "" {
		cfg.LogConf.Level = opts.LogLevel
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if limit, err := rlimit.RaiseOpenFiles(openFilesWanted); err != nil {
		logger.Warn().Err(err).Msg("Failed to raise the open files limit.")
	} else {
		logger.Debug().Int("nofile", int(limit)).Msg("Open files limit set.")
	}

	// 2. 创建并运行服务器
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appServer, err := app.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize server")
		os.Exit(1)
	}
	if err := appServer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server stopped.")
}
