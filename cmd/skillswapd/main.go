package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skillswap/internal/bus"
	"skillswap/internal/bus/kafkabus"
	"skillswap/internal/bus/membus"
	"skillswap/internal/bus/rabbitbus"
	"skillswap/internal/config"
	"skillswap/internal/gateway"
	"skillswap/internal/messaging"
	"skillswap/internal/orchestrator"
	"skillswap/internal/profile"

	"github.com/labstack/echo/v4"
)

func main() {
	cfgPath := flag.String("config", "skillswap.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("node_id", cfg.Server.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("skillswapd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	b, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var servers []*echo.Echo

	if cfg.Roles.Profile.Enabled {
		store, err := profile.NewStore(cfg.Roles.Profile.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		service := profile.NewService(store, logger.With("participant", profile.ParticipantName))
		handler := profile.NewHandler(service, b, logger.With("participant", profile.ParticipantName))
		if err := handler.Register(b); err != nil {
			return err
		}
		e := newEcho()
		profile.RegisterResolveAPI(e, store)
		servers = append(servers, e)
		go startServer(e, cfg.Roles.Profile.Listen, logger)
	}

	if cfg.Roles.Messaging.Enabled {
		store, err := messaging.NewStore(cfg.Roles.Messaging.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		service := messaging.NewService(store, logger.With("participant", messaging.ParticipantName))
		resolver := messaging.NewHTTPResolver(cfg.Roles.Messaging.ResolverURL, logger)
		handler := messaging.NewHandler(service, resolver, b, logger.With("participant", messaging.ParticipantName))
		if err := handler.Register(b); err != nil {
			return err
		}
	}

	if cfg.Roles.Gateway.Enabled {
		orch, err := orchestrator.New(orchestrator.Config{
			Participants: cfg.GDPR.Participants,
			Timeout:      time.Duration(cfg.GDPR.TimeoutSeconds) * time.Second,
		}, b, logger.With("component", "orchestrator"))
		if err != nil {
			return err
		}
		if err := b.Subscribe(bus.ExportReplyKey(), orch.ReplyHandler()); err != nil {
			return err
		}
		e := newEcho()
		gateway.NewAPI(orch, logger.With("component", "gateway")).Register(e)
		servers = append(servers, e)
		go startServer(e, cfg.Roles.Gateway.Listen, logger)
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	logger.Info("skillswapd started",
		"bus", cfg.Bus.Kind,
		"gateway", cfg.Roles.Gateway.Enabled,
		"profile", cfg.Roles.Profile.Enabled,
		"messaging", cfg.Roles.Messaging.Enabled,
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, e := range servers {
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}
	return nil
}

func buildBus(cfg config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Kind {
	case "rabbitmq":
		return rabbitbus.New(rabbitbus.Config{
			URL:           cfg.Bus.RabbitMQ.URL,
			Endpoints:     cfg.Bus.RabbitMQ.Endpoints,
			Exchange:      cfg.Bus.RabbitMQ.Exchange,
			PrefetchCount: cfg.Bus.RabbitMQ.PrefetchCount,
			Workers:       cfg.Bus.RabbitMQ.Workers,
			DeliveryQueue: cfg.Bus.RabbitMQ.DeliveryQueue,
			QueueOwner:    cfg.Server.NodeID,
			Auth:          rabbitbus.AuthConfig{Username: cfg.Bus.RabbitMQ.Username, Password: cfg.Bus.RabbitMQ.Password},
			TLS: rabbitbus.TLSConfig{
				Enabled:            cfg.Bus.RabbitMQ.TLS.Enabled,
				InsecureSkipVerify: cfg.Bus.RabbitMQ.TLS.InsecureSkipVerify,
				ServerName:         cfg.Bus.RabbitMQ.TLS.ServerName,
				CAFile:             cfg.Bus.RabbitMQ.TLS.CAFile,
				CertFile:           cfg.Bus.RabbitMQ.TLS.CertFile,
				KeyFile:            cfg.Bus.RabbitMQ.TLS.KeyFile,
			},
		}, logger)
	case "kafka":
		return kafkabus.New(kafkabus.Config{
			Brokers:     cfg.Bus.Kafka.Brokers,
			GroupID:     cfg.Bus.Kafka.GroupID,
			ClientID:    cfg.Bus.Kafka.ClientID,
			WorkerCount: cfg.Bus.Kafka.Workers,
		}, logger)
	default:
		return membus.New(), nil
	}
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func startServer(e *echo.Echo, addr string, logger *slog.Logger) {
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Error("http server", "addr", addr, "error", err)
	}
}
