package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redbco/binderwire/pkg/config"
	"github.com/redbco/binderwire/pkg/logger"
	"github.com/redbco/binderwire/services/wireengine/internal/adapter"
	"github.com/redbco/binderwire/services/wireengine/internal/demux"
	"github.com/redbco/binderwire/services/wireengine/internal/monitoring"
	"github.com/redbco/binderwire/services/wireengine/internal/parcel"
	"github.com/redbco/binderwire/services/wireengine/internal/primitive"
	"github.com/redbco/binderwire/services/wireengine/internal/security"
	"github.com/redbco/binderwire/services/wireengine/internal/wire"
)

const serviceVersion = "1.0.0"

var (
	listenAddr = flag.String("listen", "127.0.0.1:50056", "address the wire engine's primitive endpoint listens on")
	runDemo    = flag.Bool("demo", true, "dial our own listener and drive one echo RPC after startup")
)

// side bundles everything owned by one end of a connection: the wire
// reader/writer pair, the demultiplexer they feed, and the adapter on top
// that the RPC surface would actually call into.
type side struct {
	endpoint  primitive.Endpoint
	writer    *wire.Writer
	reader    *wire.Reader
	demux     *demux.Demultiplexer
	transport *adapter.Transport
}

func newSide(role wire.Role, ep primitive.Endpoint, policy *security.CachingPolicy, log *logger.Logger, onClose func(error)) *side {
	w := wire.NewWriter(ep)
	dmx := demux.New()
	r := wire.NewReader(role, w, dmx, policy, log, onClose)
	ep.SetReceiver(r.ProcessParcel)
	return &side{
		endpoint:  ep,
		writer:    w,
		reader:    r,
		demux:     dmx,
		transport: adapter.NewTransport(role, w, dmx),
	}
}

func main() {
	flag.Parse()

	log := logger.New("wireengine", serviceVersion)
	cfg := config.New()
	log.Infof("starting wire engine, block_size=%s flow_control_window=%s", cfg.Get("wire.block_size"), cfg.Get("wire.flow_control_window"))

	health := monitoring.NewHealthChecker(log)
	metrics := monitoring.NewMetricsCollector(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := health.Start(ctx); err != nil {
		log.Fatalf("failed to start health checker: %v", err)
	}
	if err := metrics.Start(ctx, 10*time.Second); err != nil {
		log.Fatalf("failed to start metrics collector: %v", err)
	}

	listenerCfg := primitive.DefaultListenerConfig()
	listenerCfg.ListenAddr = *listenAddr
	listener := primitive.NewListener(listenerCfg, log)

	policy := security.NewCachingPolicy(security.AllowAll)

	listener.OnAccept = func(ep *primitive.WSEndpoint) {
		srv := newSide(wire.RoleServer, ep, policy, log, func(err error) {
			if err != nil {
				log.Warnf("server connection closed: %v", err)
			}
		})
		health.RegisterConnection("server:"+ep.ID()+"@"+ep.RemoteAddr(), srv.reader)
		serveEcho(srv, metrics, log)
		if err := srv.reader.SendSetup(ep.Transact, parcel.Handle(2)); err != nil {
			log.Errorf("server setup failed: %v", err)
		}
	}

	if err := listener.Start(); err != nil {
		log.Fatalf("failed to start listener: %v", err)
	}
	log.Infof("listening on %s", listener.Addr())

	if *runDemo {
		go runEchoDemo(ctx, listener.Addr(), policy, log, metrics)
	}

	<-ctx.Done()
	log.Info("received shutdown signal, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := listener.Stop(shutdownCtx); err != nil {
		log.Warnf("listener shutdown error: %v", err)
	}
}

// serveEcho installs a per-connection accept-stream callback that answers
// a stream by echoing its message back under empty initial metadata,
// closing the stream with an OK status (demonstrating §4.6's batch-op
// translation end to end). The callback runs only when GetOrCreateStream
// creates the stream; the reader does not call it for inbound frames.
func serveEcho(srv *side, metrics *monitoring.MetricsCollector, log *logger.Logger) {
	srv.transport.PerformTransportOp(adapter.TransportOp{
		AcceptStream: func(streamID uint32) {
			stream := srv.transport.GetOrCreateStream(streamID, false)
			start := time.Now()

			var method string
			srv.transport.PerformStreamOp(stream, adapter.StreamOp{
				RecvInitialMetadata: func(md wire.Metadata, err error) {
					if err != nil {
						return
					}
					for _, e := range md {
						if string(e.Key) == ":path" {
							method = string(e.Value)
						}
					}
				},
				RecvMessage: func(msg []byte, err error) {
					if err != nil {
						return
					}
					echoMD := wire.Metadata{}
					echoStatus := uint16(0)
					done := make(chan error, 1)
					srv.transport.PerformStreamOp(stream, adapter.StreamOp{
						SendInitialMetadata:  &echoMD,
						SendMessage:          msg,
						SendTrailingMetadata: &echoMD,
						SendStatus:           &echoStatus,
						OnComplete:           func(err error) { done <- err },
					})
					err = <-done
					metrics.RecordTransaction(method, time.Since(start), int64(len(msg)), err)
					if err != nil {
						log.Warnf("echo reply failed: %v", err)
					}
				},
			})
		},
	})
}

// runEchoDemo dials the listener we just started and drives a single
// unary-shaped call through it, logging the round trip.
func runEchoDemo(ctx context.Context, addr string, policy *security.CachingPolicy, log *logger.Logger, metrics *monitoring.MetricsCollector) {
	time.Sleep(200 * time.Millisecond)

	dialer := primitive.NewWSDialer(log)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ep, err := dialer.Dial(dialCtx, addr)
	if err != nil {
		log.Errorf("demo dial failed: %v", err)
		return
	}

	client := newSide(wire.RoleClient, ep, policy, log, func(err error) {
		if err != nil {
			log.Warnf("demo connection closed: %v", err)
		}
	})
	if err := client.reader.SendSetup(ep.Transact, parcel.Handle(1)); err != nil {
		log.Errorf("demo setup failed: %v", err)
		return
	}

	deadline := time.Now().Add(2 * time.Second)
	for !client.reader.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !client.reader.Connected() {
		log.Errorf("demo connection never completed setup")
		return
	}

	stream, err := client.transport.InitStream(true)
	if err != nil {
		log.Errorf("demo init stream failed: %v", err)
		return
	}

	replyMD := make(chan wire.Metadata, 1)
	replyMsg := make(chan []byte, 1)
	replyTrailer := make(chan wire.TrailingResult, 1)

	client.transport.PerformStreamOp(stream, adapter.StreamOp{
		RecvInitialMetadata:  func(md wire.Metadata, err error) { replyMD <- md },
		RecvMessage:          func(msg []byte, err error) { replyMsg <- msg },
		RecvTrailingMetadata: func(tr wire.TrailingResult, err error) { replyTrailer <- tr },
	})

	md := wire.Metadata{}
	sendDone := make(chan error, 1)
	client.transport.PerformStreamOp(stream, adapter.StreamOp{
		SendMethodRef:        "echo",
		SendInitialMetadata:  &md,
		SendMessage:          []byte("hello from the wire engine demo"),
		SendTrailingMetadata: &md,
		OnComplete:           func(err error) { sendDone <- err },
	})

	if err := <-sendDone; err != nil {
		log.Errorf("demo send failed: %v", err)
		return
	}

	select {
	case msg := <-replyMsg:
		metrics.RecordStreamOpened("demo-client")
		log.Infof("demo echo reply: %q", string(msg))
	case <-time.After(2 * time.Second):
		log.Errorf("demo timed out waiting for echo reply")
	}

	select {
	case <-replyTrailer:
	case <-time.After(time.Second):
	}
	<-replyMD
}
