package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/auth"
	"github.com/cartoonrewatch/crt80/internal/blocks"
	"github.com/cartoonrewatch/crt80/internal/censor"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/config"
	"github.com/cartoonrewatch/crt80/internal/database"
	"github.com/cartoonrewatch/crt80/internal/documents"
	"github.com/cartoonrewatch/crt80/internal/logging"
	"github.com/cartoonrewatch/crt80/internal/metrics"
	"github.com/cartoonrewatch/crt80/internal/schedule"
	"github.com/cartoonrewatch/crt80/internal/server"
	"github.com/cartoonrewatch/crt80/internal/throttle"
	"github.com/cartoonrewatch/crt80/internal/users"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crt80-api",
		Short: "crt80 live channel backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Session token utilities",
	}
	var userID, username string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a session token for the given user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, username)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n# expires %s\n", appConfig.SessionCookieName, token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().StringVar(&userID, "user-id", "", "User id carried by the token")
	issueCmd.Flags().StringVar(&username, "username", "", "Display name carried by the token")
	_ = issueCmd.MarkFlagRequired("user-id")
	sessionCmd.AddCommand(issueCmd)
	return sessionCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("legacy-assets-dir", defaults.GetString("legacy.assets_dir"), "Directory of legacy JSON assets to import once")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("admin-user-ids", nil, "User ids allowed to use admin endpoints")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "legacy.assets_dir", "legacy-assets-dir")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.user_ids", "admin-user-ids")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, database.Options{
		LegacyAssetsDir: appConfig.LegacyAssetsDir,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	docs, err := documents.NewStore(documents.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	active, err := blocks.NewActiveStore(docs)
	if err != nil {
		return err
	}
	channelService, err := channels.NewService(channels.ServiceConfig{
		Documents: docs,
		Active:    active,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	viewerRegistry := viewers.NewRegistry()
	hub := viewers.NewHub(viewers.HubConfig{Registry: viewerRegistry, Metrics: recorder, Logger: logger})

	aggregator, err := analytics.NewAggregator(analytics.AggregatorConfig{
		Documents:       docs,
		Location:        appConfig.AnalyticsLocation,
		RetentionMonths: appConfig.AnalyticsRetentionMonths,
		Metrics:         recorder,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	protocol, err := viewers.NewProtocol(viewers.ProtocolConfig{
		Registry:      viewerRegistry,
		Hub:           hub,
		Visits:        throttle.NewWindow(throttle.WindowConfig{Window: appConfig.VisitDedupWindow}),
		Joins:         throttle.NewWindow(throttle.WindowConfig{Window: appConfig.JoinCooldown}),
		Analytics:     aggregator,
		Censor:        censor.New(censor.Config{ExtraPhrases: appConfig.ChatCensorExtra, Logger: logger}),
		Location:      appConfig.AnalyticsLocation,
		MaxChatLength: appConfig.ChatMaxLength,
		Metrics:       recorder,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	blockService, err := blocks.NewService(blocks.ServiceConfig{
		Active:      active,
		Channels:    channelService,
		Broadcaster: hub,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	scheduleStore, err := schedule.NewStore(docs)
	if err != nil {
		return err
	}
	scheduleService, err := schedule.NewService(schedule.ServiceConfig{
		Store:       scheduleStore,
		Channels:    channelService,
		Broadcaster: hub,
		Location:    appConfig.ScheduleLocation,
		IDProvider:  schedule.NewUUIDProvider(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	catalog, err := blocks.NewCatalog(blocks.CatalogConfig{
		Documents:   docs,
		Active:      active,
		Channels:    channelService,
		Schedules:   scheduleService,
		Broadcaster: hub,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	scheduler, err := schedule.NewScheduler(schedule.SchedulerConfig{
		Store:       scheduleStore,
		Channels:    channelService,
		Active:      active,
		Broadcaster: hub,
		Interval:    appConfig.ScheduleInterval,
		Metrics:     recorder,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		AdminUserIDs: appConfig.AdminUserIDs,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          userService,
		Protocol:       protocol,
		Channels:       channelService,
		Schedules:      scheduleService,
		Blocks:         blockService,
		Catalog:        catalog,
		Analytics:      aggregator,
		Gatherer:       registry,
		Metrics:        recorder,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return aggregator.Run(groupCtx)
	})
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
