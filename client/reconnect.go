package client

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// ReconnectConfig controls the broker-connection resilience loop: the
// dispatcher's one shared broker connection reconnects with exponential
// backoff rather than failing outright on a transient broker outage.
type ReconnectConfig struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:           true,
		MaxAttempts:       10,
		InitialInterval:   time.Second,
		MaxInterval:       60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ConnectionManager owns the single AMQP broker connection backing every
// endpoint's RPC traffic: a mutex-guarded connection handle, a monitor
// goroutine reacting to NotifyClose, and an exponential-backoff reconnect
// loop.
type ConnectionManager struct {
	config  ReconnectConfig
	amqpURL string

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	attempts    int
}

func NewConnectionManager(amqpURL string, cfg ReconnectConfig) *ConnectionManager {
	return &ConnectionManager{config: cfg, amqpURL: amqpURL}
}

func (m *ConnectionManager) Connect() error {
	return m.doConnect()
}

func (m *ConnectionManager) doConnect() error {
	conn, err := amqp.Dial(m.amqpURL)
	if err != nil {
		return fmt.Errorf("client: dial broker: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.isConnected = true
	m.attempts = 0
	m.mu.Unlock()

	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)
	go m.monitorConnection(closeCh)

	return nil
}

func (m *ConnectionManager) monitorConnection(closeCh chan *amqp.Error) {
	amqpErr := <-closeCh

	m.mu.Lock()
	m.isConnected = false
	m.mu.Unlock()

	if amqpErr != nil {
		log.Warnf("client: broker connection lost: %v", amqpErr)
	}
	if m.config.Enabled {
		m.reconnectLoop()
	}
}

func (m *ConnectionManager) reconnectLoop() {
	interval := m.config.InitialInterval
	for attempt := 1; m.config.MaxAttempts <= 0 || attempt <= m.config.MaxAttempts; attempt++ {
		time.Sleep(interval)

		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		if err := m.doConnect(); err == nil {
			log.Infof("client: broker reconnected after %d attempt(s)", attempt)
			return
		}

		interval = time.Duration(float64(interval) * m.config.BackoffMultiplier)
		if interval > m.config.MaxInterval {
			interval = m.config.MaxInterval
		}
	}
	log.Errorf("client: giving up reconnecting to broker after %d attempts", m.config.MaxAttempts)
}

// Channel opens a fresh AMQP channel on the current connection.
func (m *ConnectionManager) Channel() (*amqp.Channel, error) {
	m.mu.RLock()
	conn := m.conn
	connected := m.isConnected
	m.mu.RUnlock()

	if !connected || conn == nil {
		return nil, fmt.Errorf("client: broker connection not established")
	}
	return conn.Channel()
}

func (m *ConnectionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isConnected
}

func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	m.isConnected = false
	return m.conn.Close()
}
