package server

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// ServerFactory turns a loaded ServerConfig into a runnable Server, keeping
// config-parsing and component-wiring concerns separate.
type ServerFactory struct {
	config *ServerConfig
}

func NewServerFactory(config *ServerConfig) *ServerFactory {
	return &ServerFactory{config: config}
}

// CreateServer builds the ProxyNode and the Server that drives it, without
// starting either.
func (sf *ServerFactory) CreateServer() *Server {
	node := NewProxyNode(sf.config.NodeConfig())
	workers := WorkerPoolConfig{
		WorkerCount: sf.config.Workers,
		QueueSize:   sf.config.QueueSize,
	}
	return NewServer(sf.config.AMQPURL, sf.config.Endpoints, node, workers, sf.config.StatsInterval)
}

// StartServer builds and runs a Server, blocking until ctx is cancelled.
func (sf *ServerFactory) StartServer(ctx context.Context) error {
	srv := sf.CreateServer()
	log.Infof("server: starting on endpoints %v", sf.config.Endpoints)
	return srv.Start(ctx)
}
