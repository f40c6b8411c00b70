// Package ingress delivers externally-sourced events into the registry
// over NATS. Subjects are addressed per machine, mirroring the address
// mapping pkg/core's clustered event bus uses for its own NATS transport
// (<prefix>.event.<machineID>), generalized here to drive
// registry.Registry.Route instead of an in-process mailbox.
package ingress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/registry"
)

// Codec decodes a raw NATS message body into an event understood by the
// state machine definition routed to by machineID. The machine id taken from
// the subject is passed through so a codec can use it, for example in error
// messages.
type Codec interface {
	Decode(machineID string, data []byte) (interface{}, error)
}

// Config controls an Ingress's NATS wiring.
type Config struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Prefix is prepended to the subject hierarchy. Default: "stateforge".
	Prefix string

	// Queue is the NATS queue group name subscribers join, so multiple
	// process replicas share the work instead of each receiving every
	// event. Default: "stateforge-ingress".
	Queue string

	// RouteTimeout bounds a single Route call. Default: 5s.
	RouteTimeout time.Duration
}

// Ingress subscribes to a wildcard subject per machine and routes decoded
// events into a Registry.
type Ingress struct {
	nc      *nats.Conn
	owned   bool
	reg     *registry.Registry
	codec   Codec
	factory registry.Factory
	prefix  string
	queue   string
	timeout time.Duration
	logger  corelog.Logger
	sub     *nats.Subscription
}

// New connects to NATS per cfg and builds an Ingress. factory supplies a
// fresh definition/entity pair when Route must create a machine that does
// not yet exist (see registry.Registry.CreateOrGet).
func New(cfg Config, reg *registry.Registry, codec Codec, factory registry.Factory, logger corelog.Logger) (*Ingress, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("stateforge-ingress"))
	if err != nil {
		return nil, fmt.Errorf("ingress: connect: %w", err)
	}
	ing := newIngress(nc, true, cfg, reg, codec, factory, logger)
	return ing, nil
}

// NewWithConn builds an Ingress over an already-connected nats.Conn (for
// example one dialed against an embedded nats-server in tests), which the
// Ingress does not close on Stop.
func NewWithConn(nc *nats.Conn, cfg Config, reg *registry.Registry, codec Codec, factory registry.Factory, logger corelog.Logger) *Ingress {
	return newIngress(nc, false, cfg, reg, codec, factory, logger)
}

func newIngress(nc *nats.Conn, owned bool, cfg Config, reg *registry.Registry, codec Codec, factory registry.Factory, logger corelog.Logger) *Ingress {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "stateforge"
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "stateforge-ingress"
	}
	timeout := cfg.RouteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	return &Ingress{
		nc:      nc,
		owned:   owned,
		reg:     reg,
		codec:   codec,
		factory: factory,
		prefix:  prefix,
		queue:   queue,
		timeout: timeout,
		logger:  logger,
	}
}

// Subject returns the subject a caller should publish to for machineID.
func (i *Ingress) Subject(machineID string) string {
	return i.prefix + ".event." + machineID
}

// Start subscribes to every machine's event subject via a queue group and
// begins routing. Call Stop to unsubscribe.
func (i *Ingress) Start() error {
	wildcard := i.prefix + ".event.*"
	sub, err := i.nc.QueueSubscribe(wildcard, i.queue, i.onMessage)
	if err != nil {
		return fmt.Errorf("ingress: subscribe %s: %w", wildcard, err)
	}
	i.sub = sub
	i.logger.Infof("ingress: subscribed to %s (queue=%s)", wildcard, i.queue)
	return nil
}

// Stop unsubscribes and, if this Ingress owns its connection, closes it.
func (i *Ingress) Stop() error {
	if i.sub != nil {
		if err := i.sub.Unsubscribe(); err != nil {
			return err
		}
	}
	if i.owned {
		i.nc.Close()
	}
	return nil
}

func (i *Ingress) onMessage(msg *nats.Msg) {
	machineID := strings.TrimPrefix(msg.Subject, i.prefix+".event.")
	if machineID == "" || machineID == msg.Subject {
		i.logger.Warnf("ingress: unroutable subject %q", msg.Subject)
		return
	}

	event, err := i.codec.Decode(machineID, msg.Data)
	if err != nil {
		i.logger.Errorf("ingress: decode failed for machine %s: %v", machineID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	applied, err := i.reg.Route(ctx, machineID, event, i.factory)
	if err != nil {
		i.logger.Errorf("ingress: route failed for machine %s: %v", machineID, err)
		return
	}
	if !applied {
		i.logger.Debugf("ingress: event for machine %s did not match any transition", machineID)
	}
}
