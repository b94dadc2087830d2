package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_exporter_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_exporter_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_exporter_ble_disconnections_total",
	})
	scansCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_exporter_ble_scans_total",
	})
)

// connectionRegistry tracks live connections so they can be torn down on shutdown.
// Connections are never handed out twice: every Connect() dials.
type connectionRegistry struct {
	mu sync.Mutex

	connections map[string]ble.Client
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{
		connections: make(map[string]ble.Client),
	}
}

func (h *Handle) Connect(ctx context.Context, id string) (Peripheral, error) {
	if !h.Powered() {
		return nil, ErrAdapterDisabled
	}

	addr := ble.NewAddr(id)
	conn, err := ble.Dial(ctx, addr)

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, fmt.Errorf("failed to dial %v: %w", addr, NormalizeError(err))
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Stringer("Addr", addr).Msg("ble: successfully opened new connection to device")

	h.conns.mu.Lock()
	h.conns.connections[id] = conn
	h.conns.mu.Unlock()

	// spawn a watchdog removing the entry from the registry when the connection breaks.
	go func() {
		<-conn.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Stringer("Addr", addr).Msg("ble: connection with device closed, cleaning up")

		h.conns.mu.Lock()
		defer h.conns.mu.Unlock()

		if h.conns.connections[id] == conn {
			delete(h.conns.connections, id)
		}
	}()

	return conn, nil
}

// Close all connections still open.
func (h *Handle) DisconnectAll() {
	h.conns.mu.Lock()
	defer h.conns.mu.Unlock()

	for id, conn := range h.conns.connections {
		if err := conn.CancelConnection(); err != nil {
			log.Debug().Str("Addr", id).Err(err).Msg("ble: failed to cancel connection")
		}
	}

	h.conns.connections = make(map[string]ble.Client)
}
