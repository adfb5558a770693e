package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/carina/internal/config"
	"github.com/John-Robertt/carina/internal/infra/logx"
)

// rootFlags 是所有子命令共享的持久参数。
type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:           "carina",
		Short:         "Gallery listing, manifest and image proxy service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to carina.yaml (default: ./carina.yaml if present)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(&f), newCacheCmd(&f), newVersionCmd())
	return root
}

// load 读取有效配置并构造 logger；日志写到 stderr，stdout 留给命令输出。
func (f *rootFlags) load(listen string, stderr io.Writer) (config.EffectiveConfig, *slog.Logger, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.EffectiveConfig{}, nil, err
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		ConfigPath: f.configPath,
		Listen:     listen,
		LogLevel:   f.logLevel,
	}, nil)
	if err != nil {
		return config.EffectiveConfig{}, nil, err
	}
	log, err := logx.New(eff.LogLevel, eff.LogFormat, stderr)
	if err != nil {
		return config.EffectiveConfig{}, nil, err
	}
	if eff.ConfigPath != "" {
		log.Debug("已加载配置文件", slog.String("path", eff.ConfigPath))
	}
	return eff, log, nil
}
