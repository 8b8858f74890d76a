package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dukapos/service-mpesa/config"
	"github.com/dukapos/service-mpesa/service/business"
	"github.com/dukapos/service-mpesa/service/coreapi"
	"github.com/dukapos/service-mpesa/service/events"
	"github.com/dukapos/service-mpesa/service/handlers"
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/phone"
	"github.com/dukapos/service-mpesa/service/repository"
	"github.com/dukapos/service-mpesa/service/router"
	"github.com/pitabwire/frame"
	_ "gorm.io/driver/postgres"
)

var serviceTopics = []string{
	business.EventStatusLog,
	business.EventDeadLetter,
	business.EventUnclaimedSave,
	"payment.expiry.sweep",
}

func main() {
	serviceName := "service_mpesa"
	ctx := context.Background()

	mpesaConfig, err := frame.ConfigFromEnv[config.MpesaConfig]()
	if err != nil {
		fmt.Printf("could not load config: %v\n", err)
	}
	ctx, service := frame.NewServiceWithContext(ctx, serviceName, frame.WithConfig(&mpesaConfig))
	defer service.Stop(ctx)

	logger := service.Log(ctx).WithField("type", "main")
	logger.Info("starting service...")

	serviceOptions := []frame.Option{frame.WithDatastore()}
	service.Init(ctx, serviceOptions...)

	db := service.DB(ctx, false)
	if db == nil {
		logger.Fatal("database connection is nil, check DATABASE_URL and database availability")
		return
	}
	if err = db.AutoMigrate(
		&models.PendingPayment{}, &models.UnclaimedPayment{},
		&models.StatusLog{}, &models.DeadLetter{}); err != nil {
		logger.WithError(err).Fatal("could not auto migrate database tables")
		return
	}

	// Pick the provider client. The simulator only replaces the outbound
	// provider; confirmations still arrive through the callback endpoint and
	// the normal reconciliation path.
	var apiClient coreapi.MpesaApiClient
	if mpesaConfig.Simulate {
		logger.Warn("running against the payment simulator, no live provider calls will be made")
		apiClient = coreapi.NewSimulator(mpesaConfig.CallbackURL, 3*time.Second)
	} else {
		apiClient = coreapi.New(
			mpesaConfig.ShortCode, mpesaConfig.ConsumerKey,
			mpesaConfig.ConsumerSecret, mpesaConfig.PassKey, mpesaConfig.Env)
	}

	paymentRepo := repository.NewPendingPaymentRepository(ctx, service)
	unclaimedRepo := repository.NewUnclaimedPaymentRepository(ctx, service)
	statusLogRepo := repository.NewStatusLogRepository(ctx, service)
	deadLetterRepo := repository.NewDeadLetterRepository(ctx, service)

	matchWindow := time.Duration(mpesaConfig.UnsolicitedMatchWindowSeconds) * time.Second
	confirmationWindow := time.Duration(mpesaConfig.ConfirmationWindowSeconds) * time.Second

	engine := business.NewReconciliationEngine(ctx, service, paymentRepo, unclaimedRepo, matchWindow)

	paymentBusiness, err := business.NewPaymentBusiness(ctx, service, apiClient, engine,
		paymentRepo, unclaimedRepo, statusLogRepo, deadLetterRepo, mpesaConfig.CallbackURL,
		phone.ParseCarriers(mpesaConfig.AllowedTelcos), confirmationWindow)
	if err != nil {
		logger.WithError(err).Fatal("could not set up payment business")
		return
	}

	implementation := &handlers.PaymentServer{
		Service: service,
		Payment: paymentBusiness,
		Engine:  engine,
	}

	serviceOptions = append(serviceOptions,
		frame.WithHTTPHandler(router.NewRouter(implementation)),
		frame.WithRegisterEvents(
			&events.StatusLogSave{Service: service},
			&events.DeadLetterSave{Service: service},
			&events.UnclaimedPaymentSave{Service: service},
			&events.ExpirySweep{Service: service, Engine: engine},
		))

	serviceOptions = append(serviceOptions, queueOptions(ctx, service, mpesaConfig.NATS_URL)...)

	service.Init(ctx, serviceOptions...)

	registerC2BURLs(ctx, service, apiClient, mpesaConfig)

	// Background expiry sweep. The on-read check in the status poll covers
	// single records; the sweep catches the ones nobody polls.
	go func() {
		ticker := time.NewTicker(confirmationWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if emitErr := service.Emit(ctx, "payment.expiry.sweep", ""); emitErr != nil {
					logger.WithError(emitErr).Warn("could not emit expiry sweep")
				}
			}
		}
	}()

	logger.WithField("server http port", mpesaConfig.HTTPServerPort).Info("initiating server operations")

	err = service.Run(ctx, ":8080")
	if err != nil {
		logger.WithError(err).Fatal("could not run server")
	}
}

// queueOptions wires every service topic to NATS, falling back to in memory
// pub/sub when the broker is unreachable so a single node deployment still
// works.
func queueOptions(ctx context.Context, service *frame.Service, natsURL string) []frame.Option {
	logger := service.Log(ctx).WithField("type", "main")

	if natsURL != "" && !strings.HasPrefix(natsURL, "nats://") && !strings.HasPrefix(natsURL, "mem://") {
		natsURL = "nats://" + natsURL
	}

	connected := strings.HasPrefix(natsURL, "mem://")
	if !connected {
		maxRetries := 10
		for i := range maxRetries {
			nc, err := nats.Connect(natsURL)
			if err != nil {
				logger.WithError(err).WithField("attempt", i+1).Warn("could not connect to NATS, retrying")
				time.Sleep(2 * time.Second)
				continue
			}
			nc.Close()
			connected = true
			break
		}
	}

	options := make([]frame.Option, 0, len(serviceTopics)*2)
	for _, topic := range serviceTopics {
		queueURL := "mem://" + topic
		if connected && strings.HasPrefix(natsURL, "nats://") {
			queueURL = withSubject(natsURL, topic)
		}
		options = append(options,
			frame.WithRegisterPublisher(topic, queueURL),
			frame.WithRegisterSubscriber(topic, queueURL),
		)
	}
	if !connected {
		logger.Warn("NATS unreachable, using in memory pub/sub")
	}
	return options
}

// withSubject pins the queue subject on the NATS URL.
func withSubject(baseURL, subject string) string {
	url := baseURL
	if idx := strings.Index(url, "subject="); idx >= 0 {
		end := strings.Index(url[idx:], "&")
		if end < 0 {
			url = url[:idx]
		} else {
			url = url[:idx] + url[idx+end+1:]
		}
		url = strings.TrimRight(url, "?&")
	}
	if strings.Contains(url, "?") {
		return url + "&subject=" + subject
	}
	return url + "?subject=" + subject
}

// registerC2BURLs tells the provider where to deliver till payment webhooks.
// The provider requires this before any C2B traffic flows.
func registerC2BURLs(ctx context.Context, service *frame.Service, apiClient coreapi.MpesaApiClient, mpesaConfig config.MpesaConfig) {
	logger := service.Log(ctx).WithField("type", "main")

	token, err := apiClient.GenerateAccessToken()
	if err != nil {
		logger.WithError(err).Warn("could not obtain provider token, C2B URLs not registered")
		return
	}

	baseURL := strings.TrimSuffix(mpesaConfig.CallbackURL, "/mpesa/stk/callback")
	_, err = apiClient.RegisterC2BURLs(models.C2BRegisterRequest{
		ShortCode:       mpesaConfig.ShortCode,
		ResponseType:    models.C2BResponseTypeComplete,
		ConfirmationURL: baseURL + "/mpesa/c2b/confirmation",
		ValidationURL:   baseURL + "/mpesa/c2b/validation",
	}, token.AccessToken)
	if err != nil {
		logger.WithError(err).Warn("could not register C2B URLs")
		return
	}
	logger.Info("registered C2B validation and confirmation URLs")
}
