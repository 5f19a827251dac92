package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"claimsportal/internal/ratelimit"
	"claimsportal/internal/servicetoken"
	"claimsportal/internal/util"
	"claimsportal/pkg/events"
	"claimsportal/pkg/letters"
	"claimsportal/pkg/render"
	"claimsportal/pkg/rules"
	"claimsportal/pkg/storage"
	"claimsportal/pkg/store"
	"claimsportal/services/letters/internal/app"
	"claimsportal/services/letters/internal/config"
	"claimsportal/services/letters/internal/server"
	"claimsportal/services/letters/internal/worker"
)

type backend interface {
	store.QueueStore
	store.DocumentStore
	store.ClaimReader
	store.RuleStore
}

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var data backend
	if cfg.DatabaseURL == config.MemoryDatabaseURL {
		logger.Warn("using in-memory letter store; queue and documents are lost on restart")
		data = store.NewMemoryStore()
	} else {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
		defer gs.Close()
		data = gs
	}

	var ruleEditor rules.Editor
	switch cfg.RuleSource {
	case config.RuleSourceDB:
		ruleEditor = rules.NewTableSource(data)
	default:
		fileRules, err := rules.NewFileStore(cfg.RulesFile)
		if err != nil {
			log.Fatalf("failed to open rules file: %v", err)
		}
		ruleEditor = fileRules
	}
	if ttl := cfg.RuleCacheTTL(); ttl > 0 {
		ruleEditor = rules.NewCachedSource(ruleEditor, ttl)
	}

	files, err := storage.NewFileStore(cfg.DefaultOutputDir, cfg.ServedDir)
	if err != nil {
		log.Fatalf("failed to init letter storage: %v", err)
	}

	var mirror storage.Mirror
	if cfg.MinioEndpoint != "" {
		m, err := storage.NewMinioMirror(ctx, storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init letter mirror: %v", err)
		}
		mirror = m
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = p
	}
	defer publisher.Close()

	renderer := render.NewBreakerRenderer(
		render.NewChromeRenderer(render.ChromeOptions{ExecPath: cfg.ChromePath, NoSandbox: cfg.ChromeNoSandbox}),
		render.BreakerOptions{Name: "chromium"},
	)

	policy, err := letters.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		log.Fatalf("invalid failure policy: %v", err)
	}
	generator, err := letters.NewGenerator(letters.Deps{
		Claims:    data,
		Documents: data,
		Rules:     ruleEditor,
		Matcher:   rules.NewMatcher(cfg.TemplatesDir),
		Renderer:  renderer,
		Files:     files,
		Mirror:    mirror,
		Events:    publisher,
	}, letters.Options{
		Policy: policy,
		Office: letters.Office{Phone: cfg.OfficePhone, Email: cfg.OfficeEmail},
	})
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}

	appCore, err := app.New(app.Config{
		Queue:         data,
		Documents:     data,
		Rules:         ruleEditor,
		Generator:     generator,
		Files:         files,
		TemplatesDir:  cfg.TemplatesDir,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	limiter, err := ratelimit.New(redisClient, "letters:render", cfg.RenderRateLimitPerMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init render rate limiter: %v", err)
	}

	verifyKeys, err := servicetoken.ParseKeyMap(cfg.InternalJWTVerifyKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}
	leeway, err := config.ParseLeeway(cfg.InternalJWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
		DefaultKeyID:   cfg.InternalJWTKeyID,
		Keys:           verifyKeys,
		Audience:       cfg.InternalJWTAudience,
		AllowedIssuers: cfg.InternalJWTAllowedIssuers,
		Leeway:         leeway,
	})
	if err != nil {
		log.Fatalf("failed to init service token verifier: %v", err)
	}
	proxies, err := util.ParseProxyList(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Auth:           verifier,
		RenderLimiter:  limiter,
		TrustedProxies: proxies,
		CORSOrigins:    cfg.CORSOrigins,
		ServedDir:      cfg.ServedDir,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("letters server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for i := 0; i < cfg.WorkerCount; i++ {
		w, err := worker.New(worker.Config{
			Queue:        data,
			Generator:    generator,
			PollInterval: cfg.PollInterval(),
			MaxTries:     cfg.MaxTries,
			Lease:        cfg.Lease(),
			Name:         fmt.Sprintf("letters-worker-%d", i),
		})
		if err != nil {
			log.Fatalf("failed to init worker: %v", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("letters service stopped", "err", err)
		os.Exit(1)
	}
}
