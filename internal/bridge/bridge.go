// Package bridge consumes external Kafka/Redpanda topics and republishes
// each record as a PSMB PUB client. It dials the broker like any other
// publisher and speaks the real wire protocol rather than injecting
// messages into the dispatcher directly, so the broker sees it as just
// another session.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/psmb/internal/wire"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config configures the bridge.
type Config struct {
	// Kafka side.
	Brokers       []string
	Topics        []string
	ConsumerGroup string

	// PSMB side: the broker address this bridge dials as a publisher.
	BrokerAddr string

	Logger zerolog.Logger
}

// Bridge owns the Kafka consumer and the PSMB publisher connections it
// republishes records through, one per PSMB topic.
type Bridge struct {
	cfg    Config
	client *kgo.Client

	// pubs holds one publisher connection per PSMB topic: a PUB session
	// binds exactly one topic for its lifetime, so the bridge cannot
	// multiplex several Kafka topics over a single connection. It keeps
	// one PSMB publisher per distinct topic it has seen.
	pubMu sync.Mutex
	pubs  map[string]*publisherConn

	wg sync.WaitGroup
}

// New validates cfg and constructs the underlying Kafka client. It does
// not connect to the broker or start consuming; call Start for that.
func New(cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("bridge: at least one kafka broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("bridge: at least one topic is required")
	}
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("bridge: broker address is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to create kafka client: %w", err)
	}

	return &Bridge{cfg: cfg, client: client, pubs: make(map[string]*publisherConn)}, nil
}

// Start begins the consume loop. Publisher connections are dialed
// lazily, one per distinct Kafka topic, the first time a record for
// that topic arrives.
func (b *Bridge) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.consumeLoop(ctx)
	return nil
}

// Stop halts consumption and closes the Kafka client and every publisher
// connection.
func (b *Bridge) Stop() {
	b.client.Close()
	b.wg.Wait()
	b.pubMu.Lock()
	for topic, pub := range b.pubs {
		pub.close()
		delete(b.pubs, topic)
	}
	b.pubMu.Unlock()
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			b.cfg.Logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka fetch error")
		}
		fetches.EachRecord(func(record *kgo.Record) {
			if err := b.publish(ctx, record.Topic, record.Value); err != nil {
				b.cfg.Logger.Error().Err(err).Str("topic", record.Topic).Msg("failed to republish record as PSMB message")
			}
		})
	}
}

// publish republishes a single Kafka record as a PSMB MSG frame,
// reconnecting its publisher session if needed.
func (b *Bridge) publish(ctx context.Context, topic string, value []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	pub, ok := b.pubs[topic]
	if !ok {
		var err error
		pub, err = dialPublisher(ctx, b.cfg.BrokerAddr, topic, b.cfg.Logger)
		if err != nil {
			return err
		}
		b.pubs[topic] = pub
	}
	if err := pub.publish(value); err != nil {
		pub.close()
		delete(b.pubs, topic)
		return err
	}
	return nil
}

// publisherConn is a minimal PSMB publisher client: it performs the
// same handshake and mode-selection exchange internal/session expects
// from any client, then issues MSG frames.
type publisherConn struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer
}

func dialPublisher(ctx context.Context, addr, topic string, logger zerolog.Logger) (*publisherConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", addr, err)
	}

	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	handshake := append([]byte(wire.Magic), 0, 0, 0, 1, 0, 0, 0, 0)
	if err := w.WriteAll(handshake); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := r.ReadExact(7)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if string(reply) != "OK\x00\x00\x00\x00\x00" {
		conn.Close()
		return nil, fmt.Errorf("bridge: handshake rejected: %q", reply)
	}

	if err := w.WriteAll([]byte(wire.TokenPUB)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.WriteCString([]byte(topic)); err != nil {
		conn.Close()
		return nil, err
	}
	modeReply, err := r.ReadExact(3)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if string(modeReply) != "OK\x00" {
		conn.Close()
		return nil, fmt.Errorf("bridge: PUB rejected: %q", modeReply)
	}

	logger.Info().Str("broker", addr).Str("topic", topic).Msg("bridge publisher connected")
	return &publisherConn{conn: conn, r: r, w: w}, nil
}

func (p *publisherConn) publish(payload []byte) error {
	if err := p.w.WriteAll([]byte(wire.TokenMSG)); err != nil {
		return err
	}
	if err := p.w.WriteUint64(uint64(len(payload))); err != nil {
		return err
	}
	return p.w.WriteAll(payload)
}

func (p *publisherConn) close() {
	_ = p.w.WriteAll([]byte(wire.TokenBYE))
	_ = p.conn.Close()
}
