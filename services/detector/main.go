package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"cloudsentry/pkg/anomaly"
	"cloudsentry/pkg/classifier"
	"cloudsentry/pkg/detection"
	"cloudsentry/pkg/geo"
	"cloudsentry/pkg/registry"
	"cloudsentry/pkg/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	port := getEnv("PORT", "8080")
	cfg := detection.Config{
		Anomaly: anomaly.Config{
			Contamination: getEnvFloat("ANOMALY_CONTAMINATION", 0.1),
			Seed:          getEnvInt64("MODEL_SEED", 42),
		},
		Classifier: classifier.Config{
			Seed: getEnvInt64("MODEL_SEED", 42),
		},
		AnomalyThreshold:    getEnvFloat("ANOMALY_THRESHOLD", 0.7),
		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.7),
	}

	srv := &server{
		log:       log,
		pipeline:  detection.NewPipeline(cfg, log),
		modelName: getEnv("MODEL_NAME", "cloudsentry-detector"),
	}

	if dir := os.Getenv("REGISTRY_DIR"); dir != "" {
		var redisClient *redis.Client
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			redisClient = redis.NewClient(&redis.Options{Addr: addr})
		}
		reg, err := registry.New(dir, redisClient)
		if err != nil {
			log.WithError(err).Fatal("open model registry")
		}
		srv.registry = reg
		log.WithField("dir", dir).Info("model registry enabled")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		st, err := store.Open(dbURL)
		if err != nil {
			log.WithError(err).Fatal("open verdict store")
		}
		defer st.Close()
		srv.store = st
		log.Info("verdict store enabled")
	}

	resolver, err := geo.NewResolver(os.Getenv("GEOIP_DB"))
	if err != nil {
		log.WithError(err).Fatal("open geoip database")
	}
	defer resolver.Close()
	srv.geo = resolver

	mux := http.NewServeMux()
	mux.HandleFunc("/train", srv.handleTrain)
	mux.HandleFunc("/detect", srv.handleDetect)
	mux.HandleFunc("/verdicts", srv.handleVerdicts)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // training runs synchronously
	}

	go func() {
		log.WithField("port", port).Info("detector service starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("detector service stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
