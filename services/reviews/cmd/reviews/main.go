package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"citylibrary/internal/servicetoken"
	"citylibrary/internal/usertoken"
	"citylibrary/internal/util"
	"citylibrary/pkg/queue"
	"citylibrary/services/reviews/internal/app"
	"citylibrary/services/reviews/internal/challenge"
	"citylibrary/services/reviews/internal/config"
	"citylibrary/services/reviews/internal/metrics"
	"citylibrary/services/reviews/internal/server"
)

func main() {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("reviews", cfg.LogLevel)
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	challengeTTL, err := config.ParseChallengeTTL(cfg.ChallengeTTL)
	if err != nil {
		log.Fatalf("failed to parse challenge ttl: %v", err)
	}
	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxyCIDRs))
	if err != nil {
		log.Fatalf("failed to parse trusted proxy cidrs: %v", err)
	}

	accountVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:       cfg.AccountJWKSURL,
		PublicKeyPath: cfg.AccountPublicKeyPath,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		Leeway:        jwtLeeway,
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init account token verifier: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	challenges := challenge.NewRedisStoreWithClient(redisClient)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
	if err := challenges.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("failed to reach redis: %v", err)
	}
	cancelPing()

	events, err := queue.NewRedisEventStream(queue.RedisStreamConfig{
		Client: redisClient,
		Stream: cfg.EventStream,
	})
	if err != nil {
		log.Fatalf("failed to init review event stream: %v", err)
	}

	m := metrics.New()
	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		ChallengeTTL:    challengeTTL,
		ChallengeLength: cfg.ChallengeLength,
		GuestDomain:     cfg.GuestDomain,
		Challenges:      challenges,
		Metrics:         m,
		Events:          events,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		AccountVerifier:             accountVerifier,
		Metrics:                     m,
		Events:                      events,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
		InternalJWTAudience:         cfg.InternalJWTAudience,
		InternalAllowedIssuers:      config.SplitList(cfg.InternalAllowedIssuers),
		SessionCookieName:           cfg.SessionCookieName,
		SessionCookieSecure:         cfg.SessionCookieSecure,
		TrustedProxies:              trustedProxies,
		CORSAllowedOrigins:          config.SplitList(cfg.CORSAllowedOrigins),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		slog.Info("reviews server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	slog.Info("reviews server stopped")
}
