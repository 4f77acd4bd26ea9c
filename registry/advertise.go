package registry

import (
	"context"
	"time"

	"binrpc/errors"
	"binrpc/logger"
	"binrpc/protocol"
	"github.com/google/uuid"
)

// Advertiser is a server invoker as seen by the registry.
type Advertiser interface {
	Services() []string
	GetConnectAddress() string
}

// Advertise publishes every service of invoker at its connect address. The
// returned function withdraws them again.
func Advertise(ctx context.Context, reg Registry, invoker Advertiser, ttl time.Duration) (func(ctx context.Context) error, error) {
	address := invoker.GetConnectAddress()
	if address == "" {
		return nil, errors.WithStack(errors.NewInvalidConfigurationError("cannot advertise an unbound invoker"))
	}
	endpoint := Endpoint{
		ID:      uuid.NewString(),
		Address: address,
		Version: protocol.Version,
	}
	services := invoker.Services()
	withdraw := func(ctx context.Context) error {
		var first error
		for _, service := range services {
			if err := reg.Deregister(ctx, service, address); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	for i, service := range services {
		if err := reg.Register(ctx, service, endpoint, ttl); err != nil {
			services = services[:i]
			if wErr := withdraw(ctx); wErr != nil {
				logger.Warnf("withdrawing partial advertisement of %s: %v", address, wErr)
			}
			return nil, err
		}
	}
	logger.Infof("advertised %d services at %s as %s", len(services), address, endpoint.ID)
	return withdraw, nil
}
