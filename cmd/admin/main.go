// Command admin is the ops introspection surface: a gRPC health-checking
// endpoint (the standard grpc_health_v1 service, polled by orchestrators)
// plus a read-only HTTP surface over discovery state and Prometheus
// metrics. It registers nothing of its own in discovery — it is a
// consumer of C7's Snapshot, not a participant in request routing.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/stonegate/slgcore/internal/config"
	"github.com/stonegate/slgcore/internal/console"
	"github.com/stonegate/slgcore/internal/httpx"
	"github.com/stonegate/slgcore/internal/launcher"
	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/internal/mzap"
	"github.com/stonegate/slgcore/internal/store"
	"github.com/stonegate/slgcore/pkg/discovery"
)

const ApplicationName = "admin"

// Config is admin's env-struct (SPEC_FULL §13).
type Config struct {
	EnvName       string `env:"ENV_NAME"`
	LogLevel      string `env:"LOG_LEVEL"`
	HTTPAddr      string `env:"ADMIN_HTTP_ADDR"`
	GRPCAddr      string `env:"ADMIN_GRPC_ADDR"`
	EtcdEndpoints string `env:"ETCD_ENDPOINTS"`
	RedisURI      string `env:"REDIS_URI"`
}

// grpcHealthApp runs the standard gRPC health-checking protocol
// (google.golang.org/grpc/health), so orchestrators (k8s gRPC probes, load
// balancers) can poll this process the same way they'd poll any other
// backend in the fleet.
type grpcHealthApp struct {
	addr   string
	server *grpc.Server
}

func (a *grpcHealthApp) Run(_ *launcher.Launcher) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}

	return a.server.Serve(ln)
}

// httpApp runs the fiber introspection surface.
type httpApp struct {
	addr string
	app  *fiber.App
}

func (a *httpApp) Run(_ *launcher.Launcher) error {
	return a.app.Listen(a.addr)
}

func main() {
	cfg := &Config{}
	if err := config.LoadEnv(cfg); err != nil {
		panic(err)
	}

	logger := mzap.Initialize()
	defer logger.Sync()

	fmt.Println(console.Title(ApplicationName))

	registry := buildDiscovery(cfg, logger)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	fiberApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	fiberApp.Use(httpx.WithCORS())
	fiberApp.Use(httpx.WithCorrelationID())
	fiberApp.Use(httpx.WithLogging(logger))

	fiberApp.Get("/", httpx.Welcome(ApplicationName, "ops introspection surface"))
	fiberApp.Get("/healthz", httpx.Healthz)
	fiberApp.Get("/readyz", readyzHandler(registry))
	fiberApp.Get("/discovery", discoveryHandler(registry))
	fiberApp.Get("/healthproto", healthProtoHandler(healthServer))
	fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := launcher.New(
		launcher.WithLogger(logger),
		launcher.RunApp("grpc-health", &grpcHealthApp{addr: cfg.GRPCAddr, server: grpcServer}),
		launcher.RunApp("http", &httpApp{addr: cfg.HTTPAddr, app: fiberApp}),
	)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
		_ = fiberApp.Shutdown()
	}()

	l.Run()
}

// readyzHandler reports UP only if discovery's backing store actually
// answers, distinguishing "process alive" from "dependencies reachable".
func readyzHandler(registry *discovery.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, err := registry.Snapshot(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "DOWN", "reason": err.Error()})
		}

		return c.JSON(fiber.Map{"status": "UP"})
	}
}

// discoveryHandler dumps every service instance currently registered, the
// one-page view of the fleet's topology an operator reaches for first.
func discoveryHandler(registry *discovery.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		instances, err := registry.Snapshot(c.Context())
		if err != nil {
			return httpx.WithError(c, err)
		}

		return c.JSON(instances)
	}
}

// healthProtoHandler calls the health service's own Check method directly
// (health.Server implements healthpb.HealthServer, so no loopback dial is
// needed) and renders the wire protobuf message as JSON via protojson,
// rather than hand-copying its fields into a fiber.Map.
func healthProtoHandler(healthServer *health.Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		resp, err := healthServer.Check(c.Context(), &healthpb.HealthCheckRequest{})
		if err != nil {
			return httpx.WithError(c, err)
		}

		body, err := protojson.Marshal(resp)
		if err != nil {
			return httpx.WithError(c, err)
		}

		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

		return c.Send(body)
	}
}

func buildDiscovery(cfg *Config, logger mlog.Logger) *discovery.Registry {
	etcdConn := &store.EtcdConnection{Endpoints: cfg.EtcdEndpoints, Logger: logger}

	etcdClient, err := etcdConn.GetClient()
	if err != nil {
		logger.Fatalf("admin: connect etcd: %v", err)
	}

	var redisClient *redis.Client

	if cfg.RedisURI != "" {
		redisConn := &store.RedisConnection{ConnectionStringSource: cfg.RedisURI, Logger: logger}

		if c, err := redisConn.GetClient(context.Background()); err == nil {
			redisClient = c
		} else {
			logger.Warnf("admin: redis unavailable, discovery cache disabled: %v", err)
		}
	}

	return discovery.NewRegistry(discovery.NewEtcdStore(etcdClient), redisClient, logger)
}
