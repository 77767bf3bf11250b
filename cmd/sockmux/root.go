package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Zereker/sockmux"
	"github.com/Zereker/sockmux/internal/config"
	"github.com/Zereker/sockmux/internal/logging"
)

const Version = "0.3.0"

var (
	cfg    config.Config
	logger *logging.Adapter

	rootCmd = &cobra.Command{
		Use:   "sockmux",
		Short: "framed TCP message multiplexer",
		Long: fmt.Sprintf(`sockmux (v%s)

Serve, send and listen for framed TCP messages through a single-threaded
socket engine. Flags can also be set as environment variables named
SOCKMUX_<FLAG> (e.g. SOCKMUX_LOG_LEVEL=debug) or in a TOML file.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sockmux",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sockmux v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd, sendCmd, listenCmd, versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a TOML configuration file")
	flags.String("app", "sockmux", "application name used in logs, metrics and service registration")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error, off)")
	flags.Int("max-frame-size", 1024*1024, "largest frame body accepted or sent, in bytes")
	flags.Duration("connect-timeout", 0, "bound on each connect attempt (default from config)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (serve only)")
	flags.String("servmap-addr", "", "service mapper UDP address (serve only)")
}

// initConfig loads .env files and wires environment variables into viper.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("sockmux")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// setup layers flags and environment over the config file and builds the
// logger.
func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	loaded, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	cfg = loaded

	if viper.IsSet("app") {
		cfg.AppName = viper.GetString("app")
	}
	if viper.IsSet("log-level") {
		cfg.LogLevel = viper.GetString("log-level")
	}
	if viper.IsSet("max-frame-size") {
		cfg.MaxFrameSize = viper.GetInt("max-frame-size")
	}
	if viper.IsSet("connect-timeout") {
		cfg.ConnectTimeout = viper.GetDuration("connect-timeout")
	}
	if viper.IsSet("metrics-addr") {
		cfg.MetricsAddr = viper.GetString("metrics-addr")
	}
	if viper.IsSet("servmap-addr") {
		cfg.ServMap.Addr = viper.GetString("servmap-addr")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err = logging.New(cfg.AppName, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// newEngine builds an engine from the loaded configuration.
func newEngine(extra ...sockmux.Option) (*sockmux.Engine, error) {
	opts := []sockmux.Option{
		sockmux.LoggerOption(logger),
		sockmux.MessageMaxSize(cfg.MaxFrameSize),
		sockmux.ConnectTimeoutOption(cfg.ConnectTimeout),
		sockmux.NoDelayOption(cfg.NoDelay),
		sockmux.SocketBufferOption(cfg.ReadBuffer, cfg.SendBuffer),
		sockmux.MaxConnectionsOption(cfg.MaxConnections),
		sockmux.BindHostOption(cfg.BindHost),
		sockmux.OnDisconnectOption(func(ep sockmux.EndpointID, client sockmux.ClientID, err error) {
			logger.Debug("peer disconnected", "endpoint", ep.String(), "client", client.String(), "error", err)
		}),
	}
	return sockmux.New(cfg.AppName, append(opts, extra...)...)
}
