package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/audit"
	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/encryption"
	"otp-service/internal/events"
	"otp-service/internal/handler"
	"otp-service/internal/hashing"
	"otp-service/internal/metrics"
	"otp-service/internal/models"
	"otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/security"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-chi/chi/v5"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	metrics           *metrics.Metrics

	// Repositories and side channels
	codeRepository *scylla.CodeRepository
	rateLimitCache *redis.RateLimitCache
	sessionCache   *redis.SessionCache
	auditSink      *audit.ClickHouseSink
	publisher      *events.KafkaPublisher
	indexer        *security.ESIndexer

	// Core
	whatsAppChannel *delivery.WhatsAppChannel
	dispatcher      *delivery.Dispatcher
	otpService      *service.OTPService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(&cfg.Server)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is optional; the service degrades to no lifecycle events
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			if err := f.esClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, bucketing, and metrics
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Could not load AWS config - falling back to local data keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.metrics = metrics.New()

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// ==============================
// Repositories and side channels
// ==============================

func (f *Factory) CodeRepository() *scylla.CodeRepository {
	if f.codeRepository == nil {
		f.codeRepository = scylla.NewCodeRepository(
			f.scyllaClient,
			f.config.Bucketing.ContactBuckets,
			util.Get(),
		)
	}
	return f.codeRepository
}

func (f *Factory) RateLimitCache() *redis.RateLimitCache {
	if f.rateLimitCache == nil {
		f.rateLimitCache = redis.NewRateLimitCache(f.redisClient)
	}
	return f.rateLimitCache
}

func (f *Factory) SessionCache() *redis.SessionCache {
	if f.sessionCache == nil {
		f.sessionCache = redis.NewSessionCache(f.redisClient)
	}
	return f.sessionCache
}

func (f *Factory) AuditSink() *audit.ClickHouseSink {
	if f.auditSink == nil && f.clickhouseClient != nil {
		sink, err := audit.NewClickHouseSink(f.clickhouseClient)
		if err != nil {
			util.Warn("Could not initialize delivery audit sink", util.ErrorField(err))
			return nil
		}
		f.auditSink = sink
	}
	return f.auditSink
}

func (f *Factory) EventPublisher() *events.KafkaPublisher {
	if f.publisher == nil && f.kafkaProducer != nil {
		f.publisher = events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.Topic)
	}
	return f.publisher
}

func (f *Factory) SecurityIndexer() *security.ESIndexer {
	if f.indexer == nil && f.esClient != nil {
		f.indexer = security.NewESIndexer(f.esClient, f.config.Elasticsearch.Index)
	}
	return f.indexer
}

// ==============================
// Delivery
// ==============================

func (f *Factory) WhatsAppChannel() *delivery.WhatsAppChannel {
	if f.whatsAppChannel == nil {
		f.whatsAppChannel = delivery.NewWhatsAppChannel(f.config)
	}
	return f.whatsAppChannel
}

func (f *Factory) Dispatcher() *delivery.Dispatcher {
	if f.dispatcher == nil {
		var sink models.AuditSink
		if s := f.AuditSink(); s != nil {
			sink = s
		}
		f.dispatcher = delivery.NewDispatcher(
			f.WhatsAppChannel(),
			delivery.NewSMSChannel(f.config),
			delivery.NewEmailChannel(f.config),
			sink,
		)
	}
	return f.dispatcher
}

// ==============================
// Service
// ==============================

func (f *Factory) OTPService() *service.OTPService {
	if f.otpService == nil {
		var publisher models.EventPublisher
		if p := f.EventPublisher(); p != nil {
			publisher = p
		}
		var indexer models.SecurityIndexer
		if i := f.SecurityIndexer(); i != nil {
			indexer = i
		}

		f.otpService = service.NewOTPService(
			f.CodeRepository(),
			f.RateLimitCache(),
			f.SessionCache(),
			f.Dispatcher(),
			f.hasher,
			f.encryptionManager,
			f.bucketingManager,
			publisher,
			indexer,
			f.metrics,
			f.config,
			util.Get(),
		)
	}
	return f.otpService
}

// ==============================
// HTTP layer
// ==============================

func (f *Factory) Router() chi.Router {
	otpHandler := handler.NewOTPHandler(f.OTPService(), util.Get())

	var indexer models.SecurityIndexer
	if i := f.SecurityIndexer(); i != nil {
		indexer = i
	}
	webhookHandler := handler.NewWebhookHandler(
		f.OTPService(),
		f.WhatsAppChannel(),
		indexer,
		f.config,
		util.Get(),
	)

	healthHandler := handler.NewHealthHandler(f.healthChecks(), util.Get())

	return handler.NewRouter(otpHandler, webhookHandler, healthHandler, f.config, util.Get())
}

// healthChecks wires each live backend into the health endpoint
func (f *Factory) healthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{}

	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	} else {
		checks["redis"] = notInitialized("redis")
	}

	if f.scyllaClient != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return f.scyllaClient.HealthCheck()
		}
	} else {
		checks["scylla"] = notInitialized("scylla")
	}

	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}

	if f.esClient != nil {
		checks["elasticsearch"] = func(ctx context.Context) error {
			return f.esClient.HealthCheck()
		}
	}

	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	return checks
}

func notInitialized(name string) handler.HealthCheck {
	return func(ctx context.Context) error {
		return fmt.Errorf("%s client not initialized", name)
	}
}

// ==============================
// Lifecycle
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}
