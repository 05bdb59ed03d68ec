package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kobosync/internal/auth"
	"github.com/MarcoPoloResearchLab/kobosync/internal/config"
	"github.com/MarcoPoloResearchLab/kobosync/internal/console"
	"github.com/MarcoPoloResearchLab/kobosync/internal/database"
	"github.com/MarcoPoloResearchLab/kobosync/internal/registrations"
	"github.com/MarcoPoloResearchLab/kobosync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// decisionView is how a relay decision is printed by listen and events.
type decisionView struct {
	EventID      string `json:"event_id" yaml:"event_id"`
	SubmissionID string `json:"submission_id,omitempty" yaml:"submission_id,omitempty"`
	Decision     string `json:"decision" yaml:"decision"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	Detail       string `json:"detail,omitempty" yaml:"detail,omitempty"`
	ReceivedAt   string `json:"received_at" yaml:"received_at"`
}

func newDecisionView(event registrations.RelayEvent) decisionView {
	return decisionView{
		EventID:      event.EventID,
		SubmissionID: event.SubmissionID,
		Decision:     string(event.Decision),
		Label:        event.Label,
		Detail:       event.Detail,
		ReceivedAt:   event.ReceivedAt().Format(time.RFC3339),
	}
}

func (v decisionView) render(w io.Writer) error {
	line := fmt.Sprintf("%s  %-18s %s", v.ReceivedAt, v.Decision, v.Label)
	if v.Detail != "" {
		line += "  (" + v.Detail + ")"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func newListenCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve the registration webhook until interrupted",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindCommandFlags(cmd, opts, map[string]string{
				"webhook.address":        "address",
				"tunnel.provider":        "tunnel",
				"tunnel.authtoken":       "ngrok-authtoken",
				"webhook.signing_secret": "signing-secret",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListener(cmd.Context(), opts)
		},
	}
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("address", defaults.GetString("webhook.address"), "Local listen address")
	flags.String("tunnel", defaults.GetString("tunnel.provider"), "Public exposure (none, ngrok)")
	flags.String("ngrok-authtoken", "", "ngrok authtoken")
	flags.String("signing-secret", "", "Require bearer tokens signed with this secret")
	return cmd
}

// bindCommandFlags binds command-local flags to config keys. Binding happens
// when the command runs so commands sharing a key do not override each other.
func bindCommandFlags(cmd *cobra.Command, opts *rootOptions, keys map[string]string) error {
	for key, flag := range keys {
		if err := opts.viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func runListener(ctx context.Context, opts *rootOptions) error {
	appConfig, logger, err := opts.loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := database.NewPersonStore(database.PersonStoreConfig{
		Database: db,
		Table:    appConfig.Database.Table,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	audit, err := registrations.NewAuditLog(db)
	if err != nil {
		return err
	}
	feed := server.NewDecisionFeed()
	relay, err := registrations.NewRelay(registrations.RelayConfig{
		Store:        store,
		Audit:        audit,
		Publisher:    feed,
		TriggerField: appConfig.Webhook.TriggerField,
		TriggerValue: appConfig.Webhook.TriggerValue,
		DedupeTTL:    appConfig.Webhook.DedupeTTL(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Relay:          relay,
		Feed:           feed,
		AllowedOrigins: appConfig.Webhook.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.Webhook.SigningSecret != "" {
		validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
			SigningSecret: []byte(appConfig.Webhook.SigningSecret),
			Issuer:        auth.DefaultIssuer,
			Audience:      auth.DefaultAudience,
		})
		if err != nil {
			return console.WrapExitError(console.ExitUsage, "invalid webhook signing secret", err)
		}
		dependencies.Tokens = validator
	}
	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	listener, err := server.NewListener(server.ListenerConfig{
		Handler:    handler,
		Provider:   endpointProvider(appConfig, logger),
		OnShutdown: []func(){feed.Close},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url, err := listener.Start(signalCtx)
	if err != nil {
		return fmt.Errorf("start webhook listener: %w", err)
	}
	defer func() {
		if stopErr := listener.Stop(context.Background()); stopErr != nil {
			logger.Warn("webhook listener shutdown incomplete", zap.Error(stopErr))
		}
	}()

	decisions, unsubscribe := feed.Subscribe(signalCtx)
	defer unsubscribe()

	formatter := opts.formatter()
	formatter.Progressf("Webhook listening on %s", url)
	for {
		select {
		case <-signalCtx.Done():
			formatter.Progressf("Listener stopped gracefully")
			return nil
		case <-listener.Done():
			return listener.Err()
		case event, ok := <-decisions:
			if !ok {
				return listener.Err()
			}
			view := newDecisionView(event)
			if err := formatter.Success(view, view.render); err != nil {
				return err
			}
		}
	}
}

func endpointProvider(appConfig config.AppConfig, logger *zap.Logger) server.EndpointProvider {
	if appConfig.Tunnel.Provider == config.TunnelNgrok {
		return server.NgrokEndpoint{AuthToken: appConfig.Tunnel.AuthToken, Logger: logger}
	}
	return server.LocalEndpoint{Address: appConfig.Webhook.Address}
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the most recent webhook decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return usageError("--limit must be positive")
			}
			appConfig, logger, err := opts.loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			audit, err := registrations.NewAuditLog(db)
			if err != nil {
				return err
			}
			events, err := audit.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			views := make([]decisionView, 0, len(events))
			for _, event := range events {
				views = append(views, newDecisionView(event))
			}
			return opts.formatter().Success(views, func(w io.Writer) error {
				if len(views) == 0 {
					_, err := fmt.Fprintln(w, "No webhook decisions recorded")
					return err
				}
				for _, view := range views {
					if err := view.render(w); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of decisions to show")
	return cmd
}
