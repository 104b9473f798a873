package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/trunk/util"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "Event fanout and delivery core of a federated server",
		Version:       util.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		serveCmd(),
		relayCmd(),
		webhookCmd(),
		tokenCmd(),
		noteCmd(),
		accountCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config, or the default one, and
// applies the log level. It also returns the path to watch.
func loadConfig() (*util.AppConfig, string, error) {
	var (
		conf *util.AppConfig
		path = configFile
		err  error
	)
	if path == "" {
		path = util.ConfigPath()
		conf, err = util.ReadConf()
	} else {
		conf, err = util.ReadConfFile(path)
	}
	if err != nil {
		return nil, "", err
	}

	if logLevel != "" {
		conf.Conf.LogLevel = logLevel
	}
	util.SetLogLevel(conf.Conf.LogLevel)
	return conf, path, nil
}

// withApp runs fn against a fully wired app that is closed afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	conf, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, conf)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
