package main // Entry point package

import (
	"context" // deadline for the background token purge
	"log"     // Logging library
	"time"    // TTL conversion for token lifetimes

	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/powimod/comaint/internal/auth"
	"github.com/powimod/comaint/internal/config"
	"github.com/powimod/comaint/internal/database"
	"github.com/powimod/comaint/internal/handler"
	"github.com/powimod/comaint/internal/queue"
	"github.com/powimod/comaint/internal/repository"
	"github.com/powimod/comaint/internal/router"
	queue_publisher "github.com/powimod/comaint/internal/service"
	"github.com/powimod/comaint/internal/token"
)

func main() {
	cfg := config.Load() // Load environment config

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	codec := token.NewCodec(cfg.JWTSecret)

	var publisher *queue_publisher.Publisher
	if cfg.AMQPURL != "" {
		publisher = queue_publisher.NewPublisher(cfg.AMQPURL)
		// The audit consumer reconnects forever on its own; losing it
		// never takes the API down.
		go func() {
			if err := queue.StartAuthAuditConsumer(cfg.AMQPURL); err != nil {
				log.Printf("auth-audit consumer stopped: %v", err)
			}
		}()
	}

	sessions := auth.NewSessionService(codec, tokens, users, lockPublisher(publisher),
		time.Duration(cfg.AccessTTLMin)*time.Minute,
		time.Duration(cfg.RefreshTTLDays)*24*time.Hour)

	// Rows for refresh tokens the clients silently dropped are never
	// consumed by rotation; sweep them out periodically.
	go purgeExpiredTokens(tokens)

	e := echo.New()
	router.RegisterRoutes(e, db)

	rdb := config.NewRedisClient() // nil disables rate limiting
	if rdb == nil {
		log.Printf("redis unavailable, rate limiting disabled")
	}
	authHandler := handler.NewAuthHandler(cfg, users, sessions, registrationPublisher(publisher))
	router.RegisterAuth(e, authHandler, sessions, config.LoadRateLimitConfig(), rdb, cfg.TokenEmulation)
	router.RegisterAdmin(e, handler.NewAdminHandler(users, sessions), sessions, cfg.TokenEmulation)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil { // Start HTTP server
		log.Fatal(err)
	}
}

func purgeExpiredTokens(tokens *repository.TokenRepo) {
	for range time.Tick(time.Hour) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := tokens.PurgeExpired(ctx)
		cancel()
		if err != nil {
			log.Printf("token purge failed: %v", err)
		} else if n > 0 {
			log.Printf("purged %d expired refresh tokens", n)
		}
	}
}

// lockPublisher converts a possibly-nil concrete publisher into the
// interface the session service takes; a plain assignment would
// produce a non-nil interface wrapping a nil pointer.
func lockPublisher(p *queue_publisher.Publisher) auth.LockPublisher {
	if p == nil {
		return nil
	}
	return p
}

func registrationPublisher(p *queue_publisher.Publisher) handler.RegistrationPublisher {
	if p == nil {
		return nil
	}
	return p
}
