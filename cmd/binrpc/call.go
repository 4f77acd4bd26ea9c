package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"binrpc/client"
	"binrpc/conf"
	"binrpc/echo"
	"binrpc/errors"
	"binrpc/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var callCmd = &cobra.Command{
	Use:   "call <echo|upper|greet|later|reject> <message> [delay]",
	Short: "Call the echo service",
	Long: `Call one method of the echo service and print its result.

The server is either given with --address or looked up in etcd with
--etcd. With several registered endpoints --endpoint selects one by
address; otherwise the first one is used.`,
	Args:    cobra.RangeArgs(2, 3),
	PreRunE: bindConfig,
	RunE:    call,
}

func init() {
	key := "address"
	callCmd.Flags().String(key, "localhost:7777", "address of the server")
	key = "timeout"
	callCmd.Flags().Duration(key, 30*time.Second, "how long to wait for the response")
	key = "endpoint"
	callCmd.Flags().String(key, "", "with --etcd, the registered address to call")
}

func call(_ *cobra.Command, args []string) error {
	cfg := conf.ClientConfig{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return errors.WithStack(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout+time.Second)
	defer cancel()

	address, err := resolveAddress(ctx)
	if err != nil {
		return err
	}
	c, err := client.NewInvoker(cfg)
	if err != nil {
		return err
	}
	started := make(chan struct{})
	c.Start(func() { close(started) })
	<-started
	defer func() {
		stopped := make(chan struct{})
		c.Stop(func() { close(stopped) })
		<-stopped
	}()

	e, err := echo.NewClient(c, address)
	if err != nil {
		return err
	}
	result, err := invoke(ctx, e, args)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}

func resolveAddress(ctx context.Context) (string, error) {
	endpoints := etcdEndpoints()
	if len(endpoints) == 0 {
		return viper.GetString("address"), nil
	}
	reg, err := registry.NewEtcdRegistry(endpoints, viper.GetDuration("etcd-dial-timeout"))
	if err != nil {
		return "", err
	}
	defer func() { _ = reg.Close() }()
	registered, err := reg.Discover(ctx, echo.ServiceName)
	if err != nil {
		return "", err
	}
	if len(registered) == 0 {
		return "", errors.Errorf("no endpoints registered for %s", echo.ServiceName)
	}
	want := viper.GetString("endpoint")
	if want == "" {
		return registered[0].Address, nil
	}
	for _, e := range registered {
		if e.Address == want {
			return e.Address, nil
		}
	}
	return "", errors.Errorf("%s is not registered for %s", want, echo.ServiceName)
}

func invoke(ctx context.Context, e *echo.Client, args []string) (string, error) {
	method, msg := strings.ToLower(args[0]), args[1]
	switch method {
	case "echo":
		return e.Echo(ctx, msg)
	case "upper":
		f, err := e.Upper(msg)
		if err != nil {
			return "", err
		}
		return f.Get(ctx)
	case "greet":
		p, err := e.Greet(msg)
		if err != nil {
			return "", err
		}
		results := make(chan string, 1)
		failures := make(chan error, 1)
		p.Then(func(v string) { results <- v }, func(err error) { failures <- err })
		select {
		case v := <-results:
			return v, nil
		case err := <-failures:
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	case "later":
		delay := time.Second
		if len(args) == 3 {
			ms, err := strconv.Atoi(args[2])
			if err != nil {
				return "", errors.Wrapf(err, "delay %q", args[2])
			}
			delay = time.Duration(ms) * time.Millisecond
		}
		type outcome struct {
			v   string
			err error
		}
		done := make(chan outcome, 1)
		if err := e.Later(delay, msg, func(v string, err error) { done <- outcome{v, err} }); err != nil {
			return "", err
		}
		select {
		case o := <-done:
			return o.v, o.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	case "reject":
		return "", e.Reject(ctx, msg)
	default:
		return "", errors.Errorf("unknown method %s", args[0])
	}
}
