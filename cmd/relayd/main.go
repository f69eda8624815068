// Command relayd runs the messaging relay service: it wires the Identity
// Registry, Membership Store, Authorization Gate, Conversation Service,
// Relay Core, Delivery Channel, ACK & Retry Engine, Revocation Propagator,
// and Observability Pipeline behind the API Surface's HTTP/WebSocket
// server, following a startup sequence of env/flag load, deterministic
// singleton construction, and graceful shutdown that stops background
// workers before the listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"relay.example/messaging-relay/internal/ackretry"
	"relay.example/messaging-relay/internal/authz"
	"relay.example/messaging-relay/internal/config"
	"relay.example/messaging-relay/internal/conversation"
	"relay.example/messaging-relay/internal/delivery"
	"relay.example/messaging-relay/internal/httpapi"
	"relay.example/messaging-relay/internal/identity"
	"relay.example/messaging-relay/internal/logging"
	"relay.example/messaging-relay/internal/membership"
	"relay.example/messaging-relay/internal/observability"
	"relay.example/messaging-relay/internal/relay"
	"relay.example/messaging-relay/internal/revocation"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DemoMode {
		logger.Warn("demo mode enabled: the activity window stands in for device activation")
	}

	identityRegistry := identity.New(identity.WithDemoMode(cfg.DemoMode))

	store, closeStore := newMembershipStore(cfg, logger)
	defer closeStore()

	controller := authz.NewAuthenticator(cfg.ControllerAPIKeys)
	conversations := conversation.New(store, identityRegistry,
		conversation.WithDemoMode(cfg.DemoMode),
		conversation.WithLogger(logger.With(logging.String("component", "conversation"))),
	)

	events := observability.New(logger.With(logging.String("component", "observability")))

	// delivery is constructed with a forward-referenced ack adapter: its
	// fields are filled in once the Relay Core and ACK & Retry Engine they
	// depend on exist, before any traffic is served.
	ackAdapter := &ackHandlerAdapter{}
	deliveryChannel := delivery.New(ackAdapter, logger.With(logging.String("component", "delivery")))

	relayCore, err := relay.New(identityRegistry, deliveryChannel, cfg.EncryptionMode, cfg.EncryptionKeySeed,
		relay.WithLogger(logger.With(logging.String("component", "relay"))),
	)
	if err != nil {
		logger.Fatal("failed to initialize relay core", logging.Error(err))
	}

	retryEngine := ackretry.New(
		&resendAdapter{relay: relayCore, delivery: deliveryChannel},
		&failureNotifierAdapter{events: events},
		ackretry.WithLogger(logger.With(logging.String("component", "ackretry"))),
	)
	ackAdapter.retry = retryEngine
	ackAdapter.relay = relayCore

	revocationPropagator := revocation.New(store, logger.With(logging.String("component", "revocation")))

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:         logger.With(logging.String("component", "httpapi")),
		Identity:       identityRegistry,
		Conversations:  conversations,
		Relay:          relayCore,
		Delivery:       deliveryChannel,
		Ack:            retryEngine,
		Revocation:     revocationPropagator,
		Events:         events,
		Controller:     controller,
		DemoMode:       cfg.DemoMode,
		FrontendOrigin: cfg.FrontendOrigin,
	})

	mux := http.NewServeMux()
	handlers.Register(mux)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go relayCore.RunSweeper(sweepCtx, config.RestPollInterval)

	purgeStop := make(chan struct{})
	go events.RunPurger(purgeStop, time.Hour)

	_ = events.Log(observability.EventSystemStart, "Internal", nil)

	server := &http.Server{Addr: cfg.Address, Handler: mux}

	serverErrs := make(chan error, 1)
	go func() {
		logger.Info("relay listening", logging.String("address", cfg.Address), logging.String("environment", cfg.Environment))
		serverErrs <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("relay server terminated", logging.Error(err))
		}
	case sig := <-shutdown:
		logger.Info("shutting down", logging.String("signal", sig.String()))

		sweepCancel()
		close(purgeStop)
		_ = events.Log(observability.EventSystemStop, "Internal", nil)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown did not complete cleanly", logging.Error(err))
		}
	}
}

// newMembershipStore selects the in-process or Redis-backed Membership
// Store per cfg.RedisURL, returning a cleanup func that closes the
// backend's connection (a no-op for the in-process store).
func newMembershipStore(cfg *config.Config, logger *logging.Logger) (membership.Store, func()) {
	if cfg.RedisURL == "" {
		logger.Info("using in-process membership store")
		return membership.NewMemoryStore(cfg.ConversationTTL), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", logging.Error(err))
	}
	client := redis.NewClient(opts)
	logger.Info("using redis-backed membership store", logging.String("addr", opts.Addr))
	return membership.NewRedisStore(client, cfg.ConversationTTL), func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis client close failed", logging.Error(err))
		}
	}
}

// ackHandlerAdapter implements delivery.AckHandler, forwarding a single
// inbound ack frame to both the ACK & Retry Engine (cancel the timer) and
// the Relay Core (drop the recipient from the pending set). Its fields are
// populated once, at startup, before the delivery channel accepts any
// connection.
type ackHandlerAdapter struct {
	retry *ackretry.Engine
	relay *relay.Core
}

func (a *ackHandlerAdapter) Ack(msgID, deviceID string) error {
	a.retry.Ack(msgID, deviceID)
	return a.relay.Ack(msgID, deviceID)
}

// resendAdapter implements ackretry.Resender by looking the message back up
// through the Relay Core's pending set and re-enqueueing it for delivery.
type resendAdapter struct {
	relay    *relay.Core
	delivery *delivery.Channel
}

func (r *resendAdapter) Resend(msgID, deviceID string) {
	for _, m := range r.relay.Poll(deviceID, "") {
		if m.ID != msgID {
			continue
		}
		r.delivery.Enqueue(deviceID, relay.OutboundMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			PayloadHex:     m.PayloadHex,
			Timestamp:      m.Timestamp,
			SenderID:       m.SenderID,
			ExpiresAt:      m.ExpiresAt,
		})
		return
	}
}

// failureNotifierAdapter implements ackretry.FailureNotifier, recording the
// exhausted-retries event in the Observability Pipeline (§4.I's
// failed_deliveries counter feeds the alert threshold check).
type failureNotifierAdapter struct {
	events *observability.Pipeline
}

func (f *failureNotifierAdapter) DeliveryFailed(msgID, deviceID string) {
	_ = f.events.Log(observability.EventDeliveryFailed, "Internal", map[string]any{
		"message_id": msgID,
		"device_id":  deviceID,
	})
	f.events.RecordMetric("failed_deliveries", 1)
}
