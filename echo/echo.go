// Package echo is a small service exercising every calling convention. The
// CLI serves and calls it; the end to end tests run against it.
package echo

import (
	"context"
	"reflect"
	"strings"
	"time"

	"binrpc/async"
	"binrpc/client"
	"binrpc/server"
)

const ServiceName = "echo"

type Echo interface {
	Echo(msg string) (string, error)
	Upper(msg string) *async.Future[string]
	Greet(name string) *async.Promise[string]
	// Later answers msg through cb after delayMillis.
	Later(delayMillis int64, msg string, cb async.Callback[string])
	Reject(reason string) error
}

// RejectedError is the declared failure of Reject.
type RejectedError struct {
	Reason string `json:"reason"`
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}

type Service struct{}

func (Service) Echo(msg string) (string, error) {
	return msg, nil
}

func (Service) Upper(msg string) *async.Future[string] {
	f := async.NewFuture[string]()
	go f.Complete(strings.ToUpper(msg))
	return f
}

func (Service) Greet(name string) *async.Promise[string] {
	return async.Resolved("hello " + name)
}

func (Service) Later(delayMillis int64, msg string, cb async.Callback[string]) {
	time.AfterFunc(time.Duration(delayMillis)*time.Millisecond, func() { cb(msg, nil) })
}

func (Service) Reject(reason string) error {
	return &RejectedError{Reason: reason}
}

// Register exposes Service on s under ServiceName.
func Register(s *server.Invoker) error {
	return s.RegisterService(ServiceName, server.Singleton(Service{}), server.WithInterface(reflect.TypeFor[Echo]()))
}

// Client is the typed calling side of Echo.
type Client struct {
	proxy *client.Proxy
}

func NewClient(c *client.Invoker, address string) (*Client, error) {
	p, err := client.NewProxy[Echo](c, address, ServiceName, client.WithErrors("Reject", &RejectedError{}))
	if err != nil {
		return nil, err
	}
	return &Client{proxy: p}, nil
}

func (c *Client) Proxy() *client.Proxy {
	return c.proxy
}

func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	return client.Call[string](ctx, c.proxy, "Echo", msg)
}

func (c *Client) Upper(msg string) (*async.Future[string], error) {
	return client.CallFuture[string](c.proxy, "Upper", msg)
}

func (c *Client) Greet(name string) (*async.Promise[string], error) {
	return client.CallPromise[string](c.proxy, "Greet", name)
}

func (c *Client) Later(delay time.Duration, msg string, cb func(string, error)) error {
	return client.CallAsync[string](c.proxy, "Later", cb, delay.Milliseconds(), msg)
}

func (c *Client) Reject(ctx context.Context, reason string) error {
	_, err := client.Call[struct{}](ctx, c.proxy, "Reject", reason)
	return err
}
