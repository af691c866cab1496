package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	kiera "github.com/kierajs/kiera-go"
	"github.com/kierajs/kiera-go/sessionstore"
	"github.com/kierajs/kiera-go/types"
)

type Config struct {
	Token    string               `yaml:"token"`
	Intents  int                  `yaml:"intents"`
	Compress bool                 `yaml:"compress"`
	Shards   int                  `yaml:"shards"`
	Redis    *sessionstore.Config `yaml:"redis"`
	Metrics  string               `yaml:"metrics_addr"`
}

func main() {
	file, err := os.ReadFile("config.yaml")
	if err != nil {
		log.Fatalf("Error reading config.yaml: %v", err)
	}
	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		log.Fatalf("Error parsing config.yaml: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	opts := kiera.Options{
		Intents:       &config.Intents,
		Compress:      config.Compress,
		MaxShards:     config.Shards,
		Autoreconnect: true,
		Logger:        logger,
	}

	// Optional Redis-backed resume state
	if config.Redis != nil {
		store, err := sessionstore.New(*config.Redis)
		if err != nil {
			log.Fatalf("Error connecting session store: %v", err)
		}
		defer store.Close()
		opts.SessionStore = store
		log.Println("✓ Session store connected")
	}

	client, err := kiera.New(config.Token, opts)
	if err != nil {
		log.Fatalf("Error initializing client: %v", err)
	}

	client.On("ready", func(args ...interface{}) {
		log.Printf("✓ Shard %v ready", args[0])
	})
	client.On("messageCreate", func(args ...interface{}) {
		msg := args[0].(*types.Message)
		if msg.Content == "!ping" {
			latency := client.Shard(0).Latency()
			logger.Info("ping", zap.Duration("latency", latency))
		}
	})
	client.On("error", func(args ...interface{}) {
		if err, ok := args[0].(error); ok {
			logger.Error("shard error", zap.Error(err))
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := client.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("Error connecting: %v", err)
	}
	cancel()
	log.Println("⚡ Connected to gateway")

	client.EditStatus("online", &types.Activity{Name: "kiera-go", Type: 0})

	// Metrics + pprof
	addr := config.Metrics
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Printf("Serving metrics and pprof on %s", addr)
		log.Println(http.ListenAndServe(addr, nil))
	}()

	// Wait for interrupt
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Println("Shutting down...")
	client.Close()
}
