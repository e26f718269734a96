package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"lazypagespeed/api"
	"lazypagespeed/gateway"
	"lazypagespeed/obs"
	"lazypagespeed/reportstore"
	"lazypagespeed/shares"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	shutdownObs, _ := obs.Init("lps-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Report blobs: OSS when configured, in-memory for local dev.
	var (
		objects reportstore.ObjectStore
		signer  api.URLSigner
	)
	if st, enabled, err := reportstore.NewOSSFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		objects = st
		signer = st
		log.Printf("oss store enabled bucket=%s prefix=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")), strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}
	if objects == nil {
		log.Printf("OSS_BUCKET 未设置：报告使用内存存储（仅限本地开发）")
		objects = reportstore.NewInMemoryObjectStore()
	}
	reports := reportstore.New(objects)

	// Share metadata: Redis when configured, otherwise in-memory.
	var kv shares.KV
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis ping failed: %v", err)
		}
		kv = shares.NewRedisKV(rdb)
	} else {
		log.Printf("REDIS_ADDR 未设置：分享记录使用内存存储（仅限本地开发）")
		kv = shares.NewInMemoryKV()
	}
	shareSvc := shares.New(kv, reports)

	gw := gateway.NewClient(
		gateway.WithLocale(readEnvDefault("PSI_LOCALE", "zh_TW")),
	)
	apiKey := strings.TrimSpace(os.Getenv("PSI_API_KEY"))
	if apiKey == "" {
		log.Printf("PSI_API_KEY 未设置：/api/analyze 将返回 500")
	}

	opts := []api.Option{}
	if signer != nil {
		opts = append(opts, api.WithSigner(signer))
	}
	svc := api.NewService(gw, shareSvc, reports, apiKey, opts...)
	svc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("lps api listening on %s", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := api.CORSMiddleware(obs.WrapHTTP("lps-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}
