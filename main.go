package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"promptstash/internal/api"
	"promptstash/internal/config"
	"promptstash/internal/progress"
	"promptstash/internal/queue"
	"promptstash/internal/redis"
	"promptstash/internal/registry"
	"promptstash/internal/storage"
	"promptstash/internal/worker"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("PROMPTSTASH_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := cfg.BasicConfig.Database
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	redisClient, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	reg := registry.New(db)
	progressStore := progress.NewStore(redisClient, time.Duration(cfg.BasicConfig.SnapshotTTL)*time.Minute)
	promptStore := storage.NewPromptStore(db)
	fetcher := worker.NewFileFetcher(cfg.BasicConfig.FileBaseDir)
	dispatcher := worker.NewDispatcher(reg, progressStore, promptStore, fetcher,
		time.Duration(cfg.BasicConfig.WorkerTimeout)*time.Minute)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		publisher queue.Publisher
		receiver  interface {
			Shutdown(context.Context) error
		}
	)
	switch cfg.Queue.Mode {
	case config.QueueModeSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(rootCtx, awsconfig.WithRegion(cfg.Queue.Region))
		if err != nil {
			log.Fatalf("load aws config: %v", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		publisher = queue.NewSQSPublisher(client, cfg.Queue.QueueURL)
		sqsReceiver := queue.NewSQSReceiver(rootCtx, client, cfg.Queue.QueueURL, dispatcher.Process)
		sqsReceiver.Start()
		receiver = sqsReceiver
	default:
		transport := queue.NewMemoryTransport(rootCtx, dispatcher.Process, cfg.Queue.Workers)
		publisher = transport
		receiver = transport
	}

	handler := api.NewHandler(reg, progressStore, publisher, dispatcher.Process, cfg.BasicConfig.FileBaseDir,
		time.Duration(cfg.BasicConfig.PollInterval)*time.Millisecond)

	router := gin.Default()
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}

	go func() {
		log.Printf("listening on %s", cfg.BasicConfig.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := receiver.Shutdown(shutdownCtx); err != nil {
		log.Printf("queue shutdown: %v", err)
	}
}
