package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mailinglist/admin"
	"mailinglist/cache"
	"mailinglist/common"
	"mailinglist/compose"
	"mailinglist/database"
	"mailinglist/email"
	"mailinglist/metrics"
	"mailinglist/scheduler"
	"mailinglist/site"
	"mailinglist/submission"
	"mailinglist/subscription"
)

// app holds everything the commands share. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	cfg           *common.Config
	log           *zap.SugaredLogger
	db            *gorm.DB
	messages      *compose.MessageService
	subscriptions *subscription.Service
	submissions   *submission.Service
}

func (a *app) init() error {
	cfg, err := common.LoadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := common.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	a.log = log

	db, err := common.ConnectDb(cfg, log)
	if err != nil {
		return err
	}
	a.db = db

	sender, err := email.NewSender(cfg, log)
	if err != nil {
		return err
	}
	hooks := email.NewDefaultHookset(db, sender)

	loader, err := compose.NewLoader(cfg.TemplateDir)
	if err != nil {
		return err
	}
	a.messages = compose.NewMessageService(cfg, loader)
	a.subscriptions = subscription.NewService(db, cfg, hooks, a.messages, log)
	a.submissions = submission.NewService(db, cfg, hooks, a.messages, log)
	return nil
}

func (a *app) migrate() error {
	return database.RunMigrations(a.db, a.log)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mailinglist",
		Short:         "Mailing list server and delivery worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.AddCommand(
		newServeCommand(a),
		newProcessCommand(a),
		newWorkerCommand(a),
		newMigrateCommand(a),
		newCreateAdminCommand(a),
	)
	return root
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the public site and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.SessionSecret == "" {
				return errors.New("MAILINGLIST_SESSION_SECRET must be configured")
			}
			if err := a.migrate(); err != nil {
				return err
			}
			if !a.cfg.Debug {
				gin.SetMode(gin.ReleaseMode)
			}

			router := gin.New()
			router.Use(
				ginzap.Ginzap(a.log.Desugar(), time.RFC3339, true),
				ginzap.RecoveryWithZap(a.log.Desugar(), true),
			)

			store := cookie.NewStore([]byte(a.cfg.SessionSecret))
			store.Options(sessions.Options{
				Path:     "/",
				MaxAge:   86400 * 7,
				HttpOnly: true,
				Secure:   false,
			})
			router.Use(sessions.Sessions("mailinglist-session", store))

			router.LoadHTMLGlob("*/views/*.html")
			router.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

			archive := cache.NewStore(filepath.Join(a.cfg.MediaDir, "cache"), a.cfg.ArchiveCacheTTL)
			if err := archive.ClearOld(); err != nil {
				a.log.Warnw("could not clear stale archive cache", "error", err)
			}

			adminModule := admin.NewAdminModule(a.db, a.cfg, a.subscriptions, a.submissions, a.messages, archive, a.log)
			adminModule.RegisterRoutes(router)

			siteModule := site.NewSiteModule(a.db, a.cfg, a.subscriptions, a.log)
			siteModule.RegisterRoutes(router)
			siteModule.RegisterArchiveRoutes(router.Group("/", cache.Middleware(archive)))

			router.GET("/", func(c *gin.Context) {
				c.Redirect(http.StatusFound, "/archive")
			})

			a.log.Infow("starting server", "port", a.cfg.Port)
			return router.Run(":" + a.cfg.Port)
		},
	}
}

func newProcessCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "process-submissions",
		Short: "Send every outstanding submission once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return a.submissions.ProcessSubmissions(ctx)
		},
	}
}

func newWorkerCommand(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process outstanding submissions on an interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				interval = a.cfg.WorkerInterval
			}

			var locker scheduler.Locker = scheduler.NopLocker{}
			if a.cfg.RedisURL != "" {
				redisLocker, err := scheduler.NewRedisLocker(a.cfg.RedisURL)
				if err != nil {
					return err
				}
				defer redisLocker.Close()
				locker = redisLocker
			}

			ctx, cancel := signalContext()
			defer cancel()

			worker := scheduler.NewWorker(a.submissions.ProcessSubmissions, interval, locker, a.log)
			a.log.Infow("starting worker", "interval", interval.String(), "redis_lock", a.cfg.RedisURL != "")
			return worker.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between runs (defaults to MAILINGLIST_WORKER_INTERVAL)")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrate()
		},
	}
}

func newCreateAdminCommand(a *app) *cobra.Command {
	var address, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a staff user or reset its password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.migrate(); err != nil {
				return err
			}
			user, err := admin.CreateStaffUser(a.db, address, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staff user %s ready (id %d)\n", user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "email", "", "E-mail address of the staff user")
	cmd.Flags().StringVar(&password, "password", "", "Password of the staff user")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
