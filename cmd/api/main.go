package main

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"net/smtp"
	"os"
	"time"

	"github.com/zllovesuki/coolvpn/account"
	"github.com/zllovesuki/coolvpn/auth"
	"github.com/zllovesuki/coolvpn/broker"
	"github.com/zllovesuki/coolvpn/db"
	"github.com/zllovesuki/coolvpn/device"
	"github.com/zllovesuki/coolvpn/gateway"
	"github.com/zllovesuki/coolvpn/order"
	"github.com/zllovesuki/coolvpn/plan"
	"github.com/zllovesuki/coolvpn/subscription"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Error("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	dbConn, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	smtpAuth := smtp.PlainAuth("", os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_HOST"))

	authManager, err := auth.New(auth.Options{
		Redis:  rdb,
		Logger: logger,

		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),

		Environment: authEnvironment,
		SMTPAuth:    smtpAuth,
		From:        os.Getenv("SMTP_FROM"),
		Hostname:    os.Getenv("SMTP_HOST") + ":" + os.Getenv("SMTP_PORT"),
		EmailOption: auth.EmailOption{
			Name: os.Getenv("SITE_NAME"),
			LinkGenerator: func(uid, token string) string {
				return fmt.Sprintf("%s/login/%s/%s", os.Getenv("SITE_URL"), uid, token)
			},
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	planConfig, err := plan.LoadConfigFromFile(os.Getenv("PLANS_FILE"))
	if err != nil {
		logger.Fatal("Cannot load plan catalog",
			zap.Error(err),
		)
	}

	gatewayClient, err := gateway.NewClient(gateway.ClientOptions{
		Logger:  logger,
		BaseURL: os.Getenv("NOWPAYMENTS_BASE_URL"),
		APIKey:  os.Getenv("NOWPAYMENTS_API_KEY"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize gateway client",
			zap.Error(err),
		)
	}
	verifier := gateway.NewVerifier(os.Getenv("NOWPAYMENTS_IPN_SECRET"))

	// broker is optional; without it the API runs without entitlement events
	var producer broker.Producer
	if amqpURI := os.Getenv("AMQP_URI"); len(amqpURI) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(amqpURI)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		producer = amqpBroker
	}

	accountManager, err := account.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize AccountManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:     dbConn,
		Logger: logger,
		Plans:  planConfig,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	orderManager, err := order.NewManager(order.ManagerOptions{
		DB:       dbConn,
		Logger:   logger,
		Grantor:  subscriptionManager,
		Producer: producer,
	})
	if err != nil {
		logger.Fatal("Cannot initialize OrderManager",
			zap.Error(err),
		)
	}

	deviceManager, err := device.NewManager(device.ManagerOptions{
		DB:            dbConn,
		Logger:        logger,
		Plans:         planConfig,
		Subscriptions: subscriptionManager,
		Producer:      producer,
	})
	if err != nil {
		logger.Fatal("Cannot initialize DeviceManager",
			zap.Error(err),
		)
	}

	accountRouter, err := account.NewService(account.ServiceOptions{
		Auth:           authManager,
		AccountManager: accountManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Account Service Router",
			zap.Error(err),
		)
	}

	orderRouter, err := order.NewService(order.ServiceOptions{
		OrderManager: orderManager,
		Plans:        planConfig,
		Gateway:      gatewayClient,
		Verifier:     verifier,
		Logger:       logger,

		CallbackURL: os.Getenv("SITE_URL") + "/payment/ipn",
		SuccessURL:  os.Getenv("SITE_URL") + "/checkout/success",
		CancelURL:   os.Getenv("SITE_URL") + "/checkout/cancel",
	})
	if err != nil {
		logger.Fatal("Cannot initialize Order Service Router",
			zap.Error(err),
		)
	}

	deviceRouter, err := device.NewService(device.ServiceOptions{
		DeviceManager: deviceManager,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Device Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Mount("/accounts", accountRouter.Router())

	rootRouter.Route("/orders", func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Mount("/", orderRouter.Router())
	})

	// gateway callback, guarded by the signature check only
	rootRouter.Mount("/payment", orderRouter.WebhookRouter())

	rootRouter.Route("/devices", func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Mount("/", deviceRouter.Router())
	})

	// clients probe entitlement before login
	rootRouter.Mount("/handshake", deviceRouter.HandshakeRouter())

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	addr := os.Getenv("API_ADDR")
	if len(addr) == 0 {
		addr = ":42069"
	}

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    addr,
	}

	logger.Info("API listening",
		zap.String("Addr", srv.Addr),
	)

	log.Fatalln(srv.ListenAndServe())
}
