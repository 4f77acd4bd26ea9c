package main

import (
	"fmt"
	"strings"
	"time"

	"binrpc/logger"
	"binrpc/protocol"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Version = "0.3.0"

var (
	rootCmd = &cobra.Command{
		Use:   "binrpc",
		Short: "binary RPC over TCP",
		Long: fmt.Sprintf(`binrpc (v%s)

Serve and call the echo service over the binrpc wire protocol. Every flag
can also be set as an environment variable BINRPC_<FLAG>, e.g.
BINRPC_LOG_LEVEL=debug. .env and .env.local are read when present.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of binrpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("binrpc v%s (protocol %d)\n", Version, protocol.Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)

	key := "log-level"
	rootCmd.PersistentFlags().String(key, "info", "log level (debug, info, warn, error)")
	key = "log-format"
	rootCmd.PersistentFlags().String(key, "console", "log format (console, json)")
	key = "etcd"
	rootCmd.PersistentFlags().String(key, "", "comma separated etcd endpoints used for service discovery")
	key = "etcd-dial-timeout"
	rootCmd.PersistentFlags().Duration(key, 5*time.Second, "timeout for connecting to etcd")
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("binrpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindConfig binds the flags of cmd and configures logging. Every command
// runs it as PreRunE.
func bindConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	logCfg := logger.Config{}
	if err := viper.Unmarshal(&logCfg); err != nil {
		return err
	}
	return logCfg.Configure()
}

func etcdEndpoints() []string {
	raw := strings.TrimSpace(viper.GetString("etcd"))
	if raw == "" {
		return nil
	}
	var endpoints []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return endpoints
}
