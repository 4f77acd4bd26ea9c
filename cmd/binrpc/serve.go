package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binrpc/conf"
	"binrpc/echo"
	"binrpc/errors"
	"binrpc/logger"
	"binrpc/middleware"
	"binrpc/registry"
	"binrpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Serve the echo service",
	PreRunE: bindConfig,
	RunE:    serve,
}

func init() {
	key := "address"
	serveCmd.Flags().String(key, conf.DefaultServerAddress, "address to listen on")
	key = "advertise-host"
	serveCmd.Flags().String(key, "", "host clients should dial, defaults to the hostname for wildcard addresses")
	key = "queues"
	serveCmd.Flags().Int(key, 0, "connection queues, defaults to GOMAXPROCS")
	key = "workers"
	serveCmd.Flags().Int(key, conf.DefaultWorkers, "worker goroutines running calls")
	key = "method-cache-size"
	serveCmd.Flags().Int(key, conf.DefaultMethodCacheSize, "resolved method tables kept in memory")
	key = "max-frame-size"
	serveCmd.Flags().Int(key, conf.DefaultMaxFrameSize, "largest accepted frame in bytes")
	key = "max-read-rate"
	serveCmd.Flags().Int(key, 0, "read limit per connection in bytes per second, 0 is unlimited")
	key = "max-write-rate"
	serveCmd.Flags().Int(key, 0, "write limit per connection in bytes per second, 0 is unlimited")
	key = "rate-limit"
	serveCmd.Flags().Float64(key, 0, "calls per second accepted by the server, 0 is unlimited")
	key = "call-timeout"
	serveCmd.Flags().Duration(key, 0, "server side bound on each call, 0 is unbounded")
	key = "ttl"
	serveCmd.Flags().Duration(key, 10*time.Second, "lease of the etcd registration")
}

func serve(_ *cobra.Command, _ []string) error {
	cfg := conf.ServerConfig{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return errors.WithStack(err)
	}
	s, err := server.NewInvoker(cfg)
	if err != nil {
		return err
	}
	s.Use(middleware.Logging())
	if limit := viper.GetFloat64("rate-limit"); limit > 0 {
		s.Use(middleware.RateLimit(limit, int(limit)+1))
	}
	if timeout := viper.GetDuration("call-timeout"); timeout > 0 {
		s.Use(middleware.Timeout(timeout))
	}
	if err := echo.Register(s); err != nil {
		return err
	}
	if err := s.Bind(cfg.Address); err != nil {
		return err
	}
	started := make(chan struct{})
	s.Start(func() { close(started) })
	<-started
	if err := s.Err(); err != nil {
		return err
	}

	ctx := context.Background()
	var withdraw func(context.Context) error
	if endpoints := etcdEndpoints(); len(endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(endpoints, viper.GetDuration("etcd-dial-timeout"))
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()
		withdraw, err = registry.Advertise(ctx, reg, s, viper.GetDuration("ttl"))
		if err != nil {
			return err
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Infof("received %s, shutting down", sig)

	if withdraw != nil {
		if err := withdraw(ctx); err != nil {
			logger.Warnf("withdrawing registration: %v", err)
		}
	}
	stopped := make(chan struct{})
	s.Stop(func() { close(stopped) })
	<-stopped
	logger.Sync()
	return nil
}
