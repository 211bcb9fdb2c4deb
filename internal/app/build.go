package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/chat"
	"github.com/ent0n29/chorus/internal/completion"
	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
	"github.com/ent0n29/chorus/internal/httpapi"
	"github.com/ent0n29/chorus/internal/logging"
	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/persona"
	"github.com/ent0n29/chorus/internal/policy"
	"github.com/ent0n29/chorus/internal/prompt"
	"github.com/ent0n29/chorus/internal/trigger"
)

// Ledger is the processed-message ledger with its background pruning.
type Ledger interface {
	trigger.Ledger
	StartJanitor(ctx context.Context, retention time.Duration)
	Close() error
}

type BuildResult struct {
	Config    config.Config
	Logger    zerolog.Logger
	Settings  *config.SettingsSource
	API       *httpapi.Server
	Handler   *chat.Handler
	Completer completion.Completer
	Ledger    Ledger
	Metrics   *observability.Metrics
	Modes     httpapi.Modes

	// Cleanup should be called on shutdown to release external resources (DB, ledger).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	settings, err := config.NewSettingsSource(cfg.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("settings init failed: %w", err)
	}

	rawStore, err := conversation.NewStore(ctx, cfg.DatabaseURL, conversation.FileLayout{
		GroupDir:     cfg.GroupChatDir(),
		UserDir:      cfg.UserChatDir(),
		CountersFile: cfg.CountersFile(),
	}, logging.Component(logger, "conversation"))
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	store := conversation.WithObserver(rawStore, metrics)

	personas, err := persona.NewLibrary(cfg.PersonasDir())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("persona library init failed: %w", err)
	}

	policies, err := policy.NewStore(cfg.GroupsFile(), settings, personas, store, logging.Component(logger, "policy"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("group policy init failed: %w", err)
	}

	ledger, ledgerMode, err := openLedger(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	completer, err := completion.NewCompleter(completion.Config{
		Mode:     cfg.CompletionMode,
		APIURL:   cfg.CompletionAPIURL,
		APIKey:   cfg.CompletionAPIKey,
		Timeout:  cfg.CompletionTimeout,
		Logger:   logging.Component(logger, "completion"),
		Observer: metrics,
	})
	if err != nil {
		_ = ledger.Close()
		_ = store.Close()
		return nil, fmt.Errorf("completion client init failed: %w", err)
	}

	engine := trigger.NewEngine(ledger, store, policies, logging.Component(logger, "trigger"))
	handler := chat.NewHandler(chat.Deps{
		Settings:  settings,
		SelfID:    cfg.SelfID,
		Policy:    policies,
		Trigger:   engine,
		Store:     store,
		Prompts:   prompt.NewBuilder(personas, store, logging.Component(logger, "prompt")),
		Completer: completer,
		Images:    chat.NewHTTPImageFetcher(cfg.ImageFetchTimeout, cfg.ImageFetchAllowPrivate),
		Observer:  metrics,
		Logger:    logging.Component(logger, "chat"),
	})

	modes := httpapi.Modes{
		Completion: completionMode(completer),
		Store:      storeMode(cfg),
		Ledger:     ledgerMode,
	}

	api := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Handler:  handler,
		Policy:   policies,
		Personas: personas,
		Store:    store,
		Settings: settings,
		Metrics:  metrics,
		Modes:    modes,
		Logger:   logging.Component(logger, "httpapi"),
	})

	cleanup := func() error {
		var errs []string
		if err := ledger.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		Settings:  settings,
		API:       api,
		Handler:   handler,
		Completer: completer,
		Ledger:    ledger,
		Metrics:   metrics,
		Modes:     modes,
		Cleanup:   cleanup,
	}, nil
}

// StartBackground runs the ledger janitor until ctx ends.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Ledger.StartJanitor(ctx, b.Settings.Current().LedgerRetention)
}

func openLedger(cfg config.Config) (Ledger, string, error) {
	path := strings.TrimSpace(cfg.LedgerSQLitePath)
	if path == "" {
		return trigger.NewMemoryLedger(), "memory", nil
	}
	ledger, err := trigger.OpenSQLiteLedger(path)
	if err != nil {
		return nil, "", fmt.Errorf("ledger init failed: %w", err)
	}
	return ledger, "sqlite", nil
}

func completionMode(c completion.Completer) string {
	switch c.(type) {
	case *completion.HTTPCompleter:
		return "http"
	case *completion.MockCompleter:
		return "mock"
	default:
		return "unknown"
	}
}

func storeMode(cfg config.Config) string {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "file"
}
