package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/otaforge/otaforge/control_plane/artifacts"
	"github.com/otaforge/otaforge/control_plane/bus"
	"github.com/otaforge/otaforge/control_plane/deployment"
	"github.com/otaforge/otaforge/control_plane/protocol"
	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/streaming"
	"github.com/otaforge/otaforge/control_plane/tokens"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := fallback
	if s := os.Getenv(key); s != "" {
		fmt.Sscanf(s, "%d", &v)
	}
	return v
}

func main() {
	ctx := context.Background()

	// Store backend: Postgres when DATABASE_URL is set, in-memory
	// otherwise. The in-memory store is for single-node and test use.
	var s store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		log.Println("Connected to Postgres store")
		s = pg
	} else {
		log.Println("Using in-memory store (ephemeral, single node)")
		s = store.NewMemoryStore()
	}

	// Artifact backend: S3-compatible object store when MINIO_ENDPOINT is
	// set, content-addressed filesystem layout otherwise.
	var gateway artifacts.Gateway
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		g, err := artifacts.NewMinioGateway(ctx, artifacts.MinioConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envOr("MINIO_BUCKET", "artifacts"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		})
		if err != nil {
			log.Fatalf("Failed to connect to object store: %v", err)
		}
		log.Printf("Serving artifacts from object store at %s", endpoint)
		gateway = g
	} else {
		dir := envOr("ARTIFACT_DIR", "./artifacts")
		log.Printf("Serving artifacts from %s", dir)
		gateway = artifacts.NewFSGateway(dir)
	}

	tokenTTL := time.Duration(envIntOr("TOKEN_TTL_SECONDS", 600)) * time.Second

	// Redis carries the download token cache and the inbound message
	// queue. Without it both fall back to in-process operation: tokens in
	// memory, messages over the websocket channel only.
	var redisClient *redis.Client
	var tokenCache tokens.Cache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envIntOr("REDIS_DB", 0),
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		log.Printf("Connected to Redis at %s", redisAddr)
		tokenCache = tokens.NewRedisCacheFromClient(redisClient, tokenTTL)
	} else {
		log.Println("Using in-memory download token cache (ephemeral)")
		tokenCache = tokens.NewMemoryCache(tokenTTL)
	}

	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	controller := deployment.NewController(s, publisher)

	baseURL := envOr("DOWNLOAD_BASE_URL", "http://localhost:8080")
	auth := protocol.NewAuthenticator(s, tokenCache, gateway, baseURL)
	dispatcher := protocol.NewDispatcher(controller, auth)

	limiter := bus.NewTenantLimiter(
		float64(envIntOr("TENANT_RATE_LIMIT", 100)),
		envIntOr("TENANT_RATE_BURST", 200),
	)
	consumer := bus.NewConsumer(dispatcher,
		envIntOr("BUS_WORKERS", 8),
		envIntOr("BUS_QUEUE_DEPTH", 256),
		limiter,
	)
	consumer.Start(ctx)

	if redisClient != nil {
		source := bus.NewRedisSource(redisClient, consumer)
		go source.Run(ctx)
	}

	wsChannel := bus.NewWSChannel(consumer)

	downloads := NewDownloadServer(s, tokenCache, gateway, controller)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", wsChannel)
	r.Get("/api/v1/downloadserver/downloadId/{downloadId}", downloads.handleDownload)

	addr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("OTA control plane listening on %s (download base %s, token TTL %v)", addr, baseURL, tokenTTL)
	log.Fatal(http.ListenAndServe(addr, r))
}
