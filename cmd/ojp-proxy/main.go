// Command ojp-proxy runs one Open J Proxy node: it serves one or more
// endpoints, bridging database/sql clients over AMQP to an upstream MySQL
// instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openjproxy/ojp/server"
)

var (
	configFile string
	logFile    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ojp-proxy",
		Short: "Open J Proxy node: AMQP-fronted MySQL gateway",
		RunE:  run,
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")
	cmd.Flags().StringVar(&logFile, "log.file", "", "rotate logs to this path instead of stderr (empty disables rotation)")
	server.BindFlags(cmd.Flags())

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := server.LoadConfig(cmd.Flags(), configFile)
	if err != nil {
		return fmt.Errorf("ojp-proxy: %w", err)
	}
	configureLogging(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	factory := server.NewServerFactory(cfg)
	return factory.StartServer(ctx)
}

func configureLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("ojp-proxy: unrecognized log level %q, defaulting to info", level)
		log.SetLevel(log.InfoLevel)
	}
	if logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
}
