package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
	"github.com/MarcoPoloResearchLab/kobosync/internal/config"
	"github.com/MarcoPoloResearchLab/kobosync/internal/console"
	"github.com/MarcoPoloResearchLab/kobosync/internal/credentials"
	"github.com/MarcoPoloResearchLab/kobosync/internal/database"
	"github.com/MarcoPoloResearchLab/kobosync/internal/forms"
	"github.com/MarcoPoloResearchLab/kobosync/internal/kobo"
	"github.com/MarcoPoloResearchLab/kobosync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// rootOptions carries the process-wide state shared by every command.
type rootOptions struct {
	configFile string
	envFile    string
	format     string

	viper  *viper.Viper
	store  credentials.Store
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	if opts.viper == nil {
		opts.viper = config.NewViper()
	}

	cmd := &cobra.Command{
		Use:           "kobosync",
		Short:         "Keep KoboToolbox choice lists in step with a registration database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !console.IsValidFormat(opts.format) {
				return console.NewExitError(console.ExitUsage,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.format, console.ValidFormats))
			}
			return opts.initConfig()
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return console.WrapExitError(console.ExitUsage, "invalid flags", err)
	})
	cmd.SetIn(opts.stdin)
	cmd.SetOut(opts.stdout)
	cmd.SetErr(opts.stderr)

	setupFlags(cmd, opts)

	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newAddChoiceCommand(opts))
	cmd.AddCommand(newRedeployCommand(opts))
	cmd.AddCommand(newSyncOptionsCommand(opts))
	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newWebhookTokenCommand(opts))

	return cmd
}

func setupFlags(cmd *cobra.Command, opts *rootOptions) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Path to a dotenv file loaded before the environment is read")
	flags.StringVar(&opts.format, "format", console.FormatText, "Output format (text|json|yaml)")
	flags.String("kobo-url", defaults.GetString("kobo.base_url"), "KoboToolbox API base URL")
	flags.String("api-token", "", "KoboToolbox API token (overrides the keyring)")
	flags.String("asset-uid", "", "Form asset UID (overrides the keyring)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Registration store driver (sqlite, postgres)")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-table", defaults.GetString("database.table"), "Registration table name")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, opts.viper, "kobo.base_url", "kobo-url")
	bindFlag(cmd, opts.viper, "kobo.api_token", "api-token")
	bindFlag(cmd, opts.viper, "kobo.asset_uid", "asset-uid")
	bindFlag(cmd, opts.viper, "database.driver", "database-driver")
	bindFlag(cmd, opts.viper, "database.dsn", "database-dsn")
	bindFlag(cmd, opts.viper, "database.path", "database-path")
	bindFlag(cmd, opts.viper, "database.table", "database-table")
	bindFlag(cmd, opts.viper, "log.level", "log-level")
	bindFlag(cmd, opts.viper, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, configViper *viper.Viper, key, flag string) {
	if err := configViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (o *rootOptions) initConfig() error {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return console.WrapExitError(console.ExitUsage, "invalid environment file", err)
	}
	if o.configFile != "" {
		o.viper.SetConfigFile(o.configFile)
		if err := o.viper.ReadInConfig(); err != nil {
			return console.WrapExitError(console.ExitUsage, "failed to read configuration", err)
		}
	}
	return nil
}

func (o *rootOptions) formatter() *console.OutputFormatter {
	return &console.OutputFormatter{Format: o.format, Writer: o.stdout, ErrWriter: o.stderr}
}

// loadRuntime reads the validated configuration and builds the logger.
func (o *rootOptions) loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(o.viper)
	if err != nil {
		return config.AppConfig{}, nil, console.WrapExitError(console.ExitUsage, "invalid configuration", err)
	}
	logger, err := logging.NewLogger(appConfig.Log.Level, appConfig.Log.Format)
	if err != nil {
		return config.AppConfig{}, nil, console.WrapExitError(console.ExitUsage, "invalid log configuration", err)
	}
	return appConfig, logger, nil
}

func (o *rootOptions) confirmer(autoConfirm bool) forms.Confirmer {
	if autoConfirm {
		return forms.AutoConfirm{}
	}
	return console.NewPrompter(o.stdin, o.stderr)
}

func (o *rootOptions) credentialStore() credentials.Store {
	if o.store != nil {
		return o.store
	}
	return credentials.NewKeyringStore()
}

type formsRuntime struct {
	service *forms.Service
	logger  *zap.Logger
	db      *gorm.DB
}

func (r *formsRuntime) Close() {
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = r.logger.Sync()
}

// newFormsRuntime resolves credentials and builds the forms service. The
// registration store is only opened when withPeople is set.
func (o *rootOptions) newFormsRuntime(confirmer forms.Confirmer, withPeople bool) (*formsRuntime, error) {
	appConfig, logger, err := o.loadRuntime()
	if err != nil {
		return nil, err
	}
	runtime := &formsRuntime{logger: logger}

	creds, err := credentials.Resolve(credentials.Credentials{
		APIToken: appConfig.Kobo.APIToken,
		AssetUID: appConfig.Kobo.AssetUID,
	}, o.credentialStore())
	if err != nil || creds.APIToken == "" || creds.AssetUID == "" {
		if err == nil {
			err = credentials.ErrNotFound
		}
		runtime.Close()
		return nil, console.WrapExitError(console.ExitUsage, "missing KoboToolbox credentials (run kobosync login)", err)
	}

	client, err := kobo.NewClient(kobo.ClientConfig{
		BaseURL:  appConfig.Kobo.BaseURL,
		APIToken: creds.APIToken,
		Timeout:  appConfig.Kobo.Timeout(),
		Logger:   logger,
	})
	if err != nil {
		runtime.Close()
		return nil, console.WrapExitError(console.ExitUsage, "invalid KoboToolbox client configuration", err)
	}

	serviceConfig := forms.ServiceConfig{
		Client:    client,
		AssetUID:  creds.AssetUID,
		Confirmer: confirmer,
		Logger:    logger,
	}
	if withPeople {
		db, err := openDatabase(appConfig, logger)
		if err != nil {
			runtime.Close()
			return nil, err
		}
		runtime.db = db
		store, err := database.NewPersonStore(database.PersonStoreConfig{
			Database: db,
			Table:    appConfig.Database.Table,
			Logger:   logger,
		})
		if err != nil {
			runtime.Close()
			return nil, err
		}
		differ, err := choices.NewDiffer(choices.DifferConfig{
			IDProvider:  choices.NewUUIDProvider(),
			MaxAttempts: appConfig.Sync.MaxAttempts,
		})
		if err != nil {
			runtime.Close()
			return nil, err
		}
		serviceConfig.People = store
		serviceConfig.Differ = differ
	}

	service, err := forms.NewService(serviceConfig)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.service = service
	return runtime, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(database.Config{
		Driver:      appConfig.Database.Driver,
		DSN:         appConfig.Database.DSN,
		Path:        appConfig.Database.Path,
		PersonTable: appConfig.Database.Table,
		Logger:      logger,
	})
	if err != nil {
		return nil, console.WrapExitError(console.ExitFailure, "failed to open registration store", err)
	}
	return db, nil
}

// errorCode picks the stable code printed for a failed command.
func errorCode(err error) string {
	var serviceErr *forms.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	if console.ExitCode(err) == console.ExitUsage {
		return "kobosync.usage"
	}
	return "kobosync.failed"
}

func execute(ctx context.Context, opts *rootOptions, args []string) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return console.ExitSuccess
	}
	_ = opts.formatter().Error(errorCode(err), err.Error())
	return console.ExitCode(err)
}

// usageError marks a missing or malformed command argument.
func usageError(format string, args ...any) error {
	return console.NewExitError(console.ExitUsage, fmt.Sprintf(format, args...))
}
