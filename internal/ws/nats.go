package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ntando/computer/internal/domain"
)

// SubjectPrefix roots the subjects status events are relayed on.
const SubjectPrefix = "ntando.deployments"

// Subject returns the NATS subject for a deployment's status events.
func Subject(deploymentID string) string {
	return fmt.Sprintf("%s.%s.status", SubjectPrefix, deploymentID)
}

// NATSRelay publishes status events for observers outside this process.
type NATSRelay struct {
	nc  *nats.Conn
	log *slog.Logger
}

// ConnectNATS dials url and keeps reconnecting for the life of the process.
func ConnectNATS(url string, logger *slog.Logger) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name("ntando-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSRelay{nc: nc, log: logger}, nil
}

// Relay implements Relay.
func (r *NATSRelay) Relay(event domain.StatusEvent) error {
	if r.nc == nil || r.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	return r.nc.Publish(Subject(event.DeploymentID), payload)
}

// Close flushes pending messages and closes the connection.
func (r *NATSRelay) Close() {
	if r.nc == nil {
		return
	}
	if err := r.nc.Drain(); err != nil {
		r.log.Warn("nats drain failed", "error", err)
		r.nc.Close()
	}
}
