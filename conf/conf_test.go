package conf

import (
	"testing"
	"time"

	"binrpc/errors"
	"github.com/stretchr/testify/require"
)

func TestClientDefaults(t *testing.T) {
	cfg := NewClientConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultClientTimeout, cfg.Timeout)
	require.Equal(t, time.Duration(0), cfg.IdleTimeout)
	require.Equal(t, DefaultPoolSize, cfg.PoolSize)
	require.Equal(t, DefaultReadBudget, cfg.Transport.ReadBudget)
	require.True(t, *cfg.Transport.TCPNoDelay)
	require.Greater(t, cfg.Dispatch.Queues, 0)
}

func TestServerDefaults(t *testing.T) {
	cfg := NewServerConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultServerAddress, cfg.Address)
	require.Equal(t, DefaultMethodCacheSize, cfg.MethodCacheSize)
	require.Equal(t, DefaultWorkers, cfg.Dispatch.Workers)
}

func TestDefaultsKeepExplicitValues(t *testing.T) {
	noDelay := false
	cfg := ClientConfig{PoolSize: 3, Transport: TransportConfig{ReadBudget: 10, TCPNoDelay: &noDelay}}
	cfg.ApplyDefaults()
	require.Equal(t, 3, cfg.PoolSize)
	require.Equal(t, 10, cfg.Transport.ReadBudget)
	require.False(t, *cfg.Transport.TCPNoDelay)
}

func TestInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  ClientConfig
	}{
		{"negative timeout", ClientConfig{Timeout: -1}},
		{"negative idle", ClientConfig{IdleTimeout: -1}},
		{"negative rate", ClientConfig{Transport: TransportConfig{MaxReadRate: -5}}},
		{"negative workers", ClientConfig{Dispatch: DispatchConfig{Workers: -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.ApplyDefaults()
			err := tc.cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.IsCode(err, errors.InvalidConfiguration))
		})
	}
}
