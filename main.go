package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ideaboard/api"
	"ideaboard/realtime"
	"ideaboard/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	ideasTableName := os.Getenv("IDEAS_TABLE")
	eventsQueueName := os.Getenv("EVENTS_QUEUE")
	if connStr == "" || ideasTableName == "" || eventsQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, ideasTableName, eventsQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 30 * time.Second
	if v := os.Getenv("IDEAS_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid IDEAS_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cached := storage.NewCache(store, rc, cacheTTL)

	deduperTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		deduperTTL = d
	}
	deduper := api.NewRedisDeduper(rc, deduperTTL)

	var auth *api.Auth
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	opTimeout := 10 * time.Second
	if v := os.Getenv("MUTATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid MUTATION_TIMEOUT: %v", err)
		}
		opTimeout = d
	}

	idleTTL := 30 * time.Minute
	if v := os.Getenv("SESSION_IDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SESSION_IDLE_TTL: %v", err)
		}
		idleTTL = d
	}

	logger := log.New()
	sessions := api.NewSessions(api.SessionDeps{
		Store:      cached,
		Publisher:  realtime.NewPublisher(rc),
		Subscriber: realtime.NewSubscriber(rc, logger),
		Logger:     logger,
		Timeout:    opTimeout,
		IdleTTL:    idleTTL,
	})
	defer sessions.CloseAll()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, sessions, auth, deduper, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
