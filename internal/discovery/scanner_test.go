package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/possync/internal/events"
	"github.com/dshills/possync/internal/localapi"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

func setupStore(t *testing.T) *storage.SQLiteStorage {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// startRegister runs a real local API server on 127.0.0.1
func startRegister(t *testing.T, registerID string) int {
	gin.SetMode(gin.TestMode)
	store := setupStore(t)
	bus := events.NewBus(store, registerID, "Front", nil)
	srv := localapi.NewServer(localapi.ServerConfig{Host: "127.0.0.1", RegisterID: registerID, RegisterName: "Front"},
		store, bus, nil, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv.Port()
}

func TestSubnetPrefix(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"192.168.1", "192.168.1", false},
		{"192.168.1.0/24", "192.168.1", false},
		{"10.0.5.42", "10.0.5", false},
		{" 172.16.0.9 ", "172.16.0", false},
		{"not-an-ip", "", true},
		{"300.1.1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := subnetPrefix(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandSubnet(t *testing.T) {
	hosts := expandSubnet("10.1.2")
	require.Len(t, hosts, 254)
	assert.Equal(t, "10.1.2.1", hosts[0])
	assert.Equal(t, "10.1.2.254", hosts[253])
}

func TestScanFindsRegister(t *testing.T) {
	port := startRegister(t, "srv-1")
	scanner := NewScanner(Config{Timeout: 500 * time.Millisecond}, setupStore(t), nil)

	var mu sync.Mutex
	var calls []int
	servers, err := scanner.ScanSubnet(context.Background(), Options{
		Hosts:     []string{"127.0.0.3", "127.0.0.1", "127.0.0.2"},
		Port:      port,
		BatchSize: 2,
		Progress: func(checked, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 3, total)
			calls = append(calls, checked)
		},
	})
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "127.0.0.1", servers[0].Address)
	assert.Equal(t, port, servers[0].Port)
	assert.Equal(t, "srv-1", servers[0].RegisterID)
	assert.Equal(t, "Front", servers[0].RegisterName)
	assert.False(t, servers[0].RespondedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2, 3}, calls)
}

func TestScanWholeSubnet(t *testing.T) {
	port := startRegister(t, "srv-1")
	scanner := NewScanner(Config{Timeout: 500 * time.Millisecond, BatchSize: 64}, setupStore(t), nil)

	last := 0
	var mu sync.Mutex
	servers, err := scanner.ScanSubnet(context.Background(), Options{
		Subnet: "127.0.0.0/24",
		Port:   port,
		Progress: func(checked, total int) {
			mu.Lock()
			defer mu.Unlock()
			if checked > last {
				last = checked
			}
		},
	})
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "127.0.0.1", servers[0].Address)
	assert.Equal(t, 254, last)
}

func TestScanSkipsSelf(t *testing.T) {
	port := startRegister(t, "me")
	scanner := NewScanner(Config{RegisterID: "me", Timeout: 500 * time.Millisecond}, setupStore(t), nil)

	servers, err := scanner.ScanSubnet(context.Background(), Options{Hosts: []string{"127.0.0.1"}, Port: port})
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestScanCancelled(t *testing.T) {
	scanner := NewScanner(Config{Port: 1}, setupStore(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checked := 0
	servers, err := scanner.ScanSubnet(ctx, Options{
		Subnet:   "127.0.0",
		Progress: func(int, int) { checked++ },
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, servers)
	assert.Zero(t, checked)
}

func TestScanInvalidSubnet(t *testing.T) {
	scanner := NewScanner(Config{}, setupStore(t), nil)
	_, err := scanner.ScanSubnet(context.Background(), Options{Subnet: "bogus"})
	assert.Error(t, err)
}

func TestSelectServer(t *testing.T) {
	port := startRegister(t, "srv-1")
	store := setupStore(t)
	scanner := NewScanner(Config{Timeout: time.Second}, store, nil)
	ctx := context.Background()

	health, err := scanner.SelectServer(ctx, types.DiscoveredServer{Address: "127.0.0.1", Port: port, RegisterID: "srv-1"})
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.Equal(t, "srv-1", health.RegisterID)

	address, gotPort, err := scanner.SelectedServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", address)
	assert.Equal(t, port, gotPort)
}

func TestSelectServerUnreachable(t *testing.T) {
	store := setupStore(t)
	scanner := NewScanner(Config{Timeout: 200 * time.Millisecond}, store, nil)
	ctx := context.Background()

	// Port 1 on loopback refuses connections
	_, err := scanner.SelectServer(ctx, types.DiscoveredServer{Address: "127.0.0.1", Port: 1})
	assert.Error(t, err)

	// The selection is still recorded so the poller can keep trying
	address, port, err := scanner.SelectedServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", address)
	assert.Equal(t, 1, port)
}

func TestSelectServerValidation(t *testing.T) {
	scanner := NewScanner(Config{}, setupStore(t), nil)
	_, err := scanner.SelectServer(context.Background(), types.DiscoveredServer{Port: 8080})
	assert.Error(t, err)
	_, err = scanner.SelectServer(context.Background(), types.DiscoveredServer{Address: "10.0.0.2"})
	assert.Error(t, err)
}
