package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"verimsg/internal/config"
	"verimsg/internal/repository/friends"
	objectsrepo "verimsg/internal/repository/objects"
	"verimsg/internal/repository/pubkeys"
	sealsrepo "verimsg/internal/repository/seals"
	"verimsg/internal/repository/messages"
	"verimsg/internal/service/delivery"
	"verimsg/internal/service/identities"
	messagessvc "verimsg/internal/service/messages"
	"verimsg/internal/service/messaging"
	"verimsg/internal/service/objects"
	"verimsg/internal/service/push"
	redissvc "verimsg/internal/service/redis"
	"verimsg/internal/service/server"
	"verimsg/internal/service/sessions"
	"verimsg/internal/service/tasks"
	"verimsg/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("failed to load config", zap.Error(err))
		}
		cfg = loaded
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := initMongo(ctx, cfg)
	if err != nil {
		log.Fatal("failed to connect to mongo", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	cache := redissvc.NewRedis(rdb)

	objectsRepo := objectsrepo.NewRepo(db)
	pubkeysRepo := pubkeys.NewRepo(db)
	messagesRepo := messages.NewRepo(db)
	friendsRepo := friends.NewRepo(db)
	sealsRepo := sealsrepo.NewRepo(db)

	if err := pubkeysRepo.EnsureIndexes(ctx); err != nil {
		log.Fatal("failed to ensure pubkey indexes", zap.Error(err))
	}
	if err := messagesRepo.EnsureIndexes(ctx); err != nil {
		log.Fatal("failed to ensure message indexes", zap.Error(err))
	}

	background := tasks.New()

	objectsSvc := objects.New(objectsRepo, objectsRepo, cache, background, cfg.BaseURL)
	identitiesSvc := identities.New(pubkeysRepo, objectsSvc)
	objectsSvc.BindAuthorResolver(identitiesSvc)
	messagesSvc := messagessvc.New(messagesRepo, objectsSvc)

	local, err := identities.NewLocal()
	if err != nil {
		log.Fatal("failed to create local identity", zap.Error(err))
	}
	if err := identitiesSvc.ValidateAndAdd(context.Background(), local.Identity()); err != nil {
		log.Fatal("failed to register local identity", zap.Error(err))
	}
	log.Info("local identity ready", zap.String("permalink", local.Permalink()))

	realtime := delivery.NewRealtime()
	httpTransport := delivery.NewHTTP(cache)
	deliverySvc := delivery.New(messagesSvc, objectsSvc, friendsRepo, realtime, httpTransport)
	sessionsSvc := sessions.New(cache)

	var pushClient messaging.PushClient
	if cfg.Push.Endpoint != "" {
		pushClient = push.NewClient(cfg.Push.Endpoint, local)
	}

	messagingSvc := messaging.New(messaging.Deps{
		Objects:    objectsSvc,
		Identities: identitiesSvc,
		Messages:   messagesSvc,
		Local:      local,
		Friends:    friendsRepo,
		Sessions:   sessionsSvc,
		Delivery:   deliverySvc,
		Seals:      sealsRepo,
		Push:       pushClient,
		Tasks:      background,
		Network:    cfg.Network,
		Queue:      cfg.Queue,
	})

	if pushClient != nil {
		background.Add("push-register", func(ctx context.Context) error {
			return messagingSvc.RegisterWithPushServer(ctx)
		})
	}

	srv := server.New(cfg, messagingSvc, messagesSvc, sessionsSvc, deliverySvc, realtime, objectsRepo, background)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	background.Wait()
	log.Sync()
}

func initMongo(ctx context.Context, cfg *config.Config) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	return client.Database(cfg.Mongo.Database), nil
}
