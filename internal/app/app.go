// Package app assembles the pipeline from configuration. The API server and
// the sweep worker build the same graph and differ only in what they start.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/nlc-ai/mailflow/internal/api"
	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/pkg/distlock"
	"github.com/nlc-ai/mailflow/internal/pkg/httpretry"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
	"github.com/nlc-ai/mailflow/internal/provider"
	"github.com/nlc-ai/mailflow/internal/repository/memory"
	"github.com/nlc-ai/mailflow/internal/repository/postgres"
	"github.com/nlc-ai/mailflow/internal/service/account"
	"github.com/nlc-ai/mailflow/internal/service/contact"
	"github.com/nlc-ai/mailflow/internal/service/message"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
	"github.com/nlc-ai/mailflow/internal/service/template"
	"github.com/nlc-ai/mailflow/internal/webhook"
	"github.com/nlc-ai/mailflow/internal/worker"
)

// accountStore is what the pipeline needs from account persistence: the
// service contract plus token and thread writes.
type accountStore interface {
	account.Repository
	provider.TokenStore
	worker.ThreadUpdater
}

// repositories is one complete set of stores.
type repositories struct {
	messages     message.Repository
	templates    template.Repository
	sequences    sequence.Repository
	suppressions suppression.Repository
	accounts     accountStore
	contacts     contact.Repository
}

func postgresRepositories(db *sql.DB) repositories {
	return repositories{
		messages:     postgres.NewMessageRepo(db),
		templates:    postgres.NewTemplateRepo(db),
		sequences:    postgres.NewSequenceRepo(db),
		suppressions: postgres.NewSuppressionRepo(db),
		accounts:     postgres.NewAccountRepo(db),
		contacts:     postgres.NewContactRepo(db),
	}
}

func memoryRepositories() repositories {
	return repositories{
		messages:     memory.NewMessageStore(),
		templates:    memory.NewTemplateStore(),
		sequences:    memory.NewSequenceStore(),
		suppressions: memory.NewSuppressionStore(),
		accounts:     memory.NewAccountStore(),
		contacts:     memory.NewContactStore(),
	}
}

// App holds the assembled pipeline.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Publisher events.Publisher

	Messages     *message.Service
	Sequences    *sequence.Service
	Templates    *template.Renderer
	Accounts     *account.Service
	Suppressions *suppression.Service
	Contacts     *contact.Service

	System    provider.Provider
	Scheduler *worker.Scheduler
	Ingestor  *webhook.Ingestor
}

// New connects to the configured backing services and wires every
// component. Without a database URL the pipeline runs on in-memory stores;
// Redis is optional and only its absence is tolerated, not its failure to
// parse.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}

	a := &App{Config: cfg}

	var repos repositories
	if cfg.Database.URL != "" {
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		repos = postgresRepositories(db)
	} else {
		log.Println("[App] DATABASE_URL not set, using in-memory stores")
		repos = memoryRepositories()
	}

	if cfg.Redis.URL != "" {
		client, err := openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
	}

	pub, err := events.New(ctx, cfg.Events, a.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Publisher = pub

	httpClient := httpretry.NewSendClient(&http.Client{Timeout: cfg.Mailgun.Timeout()}, 2)
	system, err := provider.NewSystemProvider(ctx, cfg, httpClient)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("system provider: %w", err)
	}
	a.System = system

	locks := distlock.NewFactory(a.Redis, a.DB)

	a.Templates = template.NewRenderer(repos.templates)
	a.Suppressions = suppression.NewService(repos.suppressions)
	a.Contacts = contact.NewService(repos.contacts)
	a.Accounts = account.NewService(repos.accounts)
	a.Messages = message.NewService(repos.messages, a.Templates, pub)
	a.Sequences = sequence.NewService(repos.sequences, a.Contacts, a.Suppressions, a.Messages)

	var tokenOpts []provider.TokenOption
	if locks != nil {
		tokenOpts = append(tokenOpts, provider.WithLockFactory(locks))
	}
	tokens := provider.NewTokenManager(repos.accounts, cfg.Google, cfg.Microsoft, tokenOpts...)
	selector := provider.NewSelector(provider.NewRegistry(system, tokens, httpClient), a.Accounts)

	guard := worker.NewGuard(a.Contacts, a.Sequences, a.Suppressions, repos.messages, cfg.Delivery.DuplicateWindow())
	deliverer := worker.NewDeliverer(repos.messages, selector, a.Contacts, repos.accounts, pub,
		cfg.Delivery.MaxRetries, cfg.Delivery.RetryBaseDelay())
	a.Scheduler = worker.NewScheduler(repos.messages, guard, deliverer, pub, locks, cfg.Delivery)
	a.Messages.SetDispatcher(a.Scheduler)

	var dedup webhook.Deduper
	if a.Redis != nil {
		dedup = webhook.NewRedisDeduper(a.Redis, webhook.DefaultDedupTTL)
	}
	verifier := webhook.NewVerifier(cfg.Mailgun.WebhookSigningKey)
	a.Ingestor = webhook.NewIngestor(repos.messages, a.Suppressions, a.Contacts, pub, verifier, dedup)

	return a, nil
}

// Services returns what the HTTP layer needs.
func (a *App) Services() api.Services {
	return api.Services{
		Messages:     a.Messages,
		Sequences:    a.Sequences,
		Templates:    a.Templates,
		Accounts:     a.Accounts,
		Suppressions: a.Suppressions,
		Webhooks:     webhook.NewHandler(a.Ingestor).Routes(),
		Health:       api.NewHealthChecker(a.DB, a.Redis, a.System),
	}
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("[App] Connected to database")
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Println("[App] Redis connected (distributed locking and webhook dedup enabled)")
	return client, nil
}
