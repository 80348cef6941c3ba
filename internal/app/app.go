package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/algoritmia/algoritmia-api/internal/auth"
	"github.com/algoritmia/algoritmia-api/internal/codeforces"
	"github.com/algoritmia/algoritmia-api/internal/config"
	"github.com/algoritmia/algoritmia-api/internal/database"
	"github.com/algoritmia/algoritmia-api/internal/handler"
	"github.com/algoritmia/algoritmia-api/internal/logger"
	"github.com/algoritmia/algoritmia-api/internal/mail"
	"github.com/algoritmia/algoritmia-api/internal/metrics"
	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
	"github.com/algoritmia/algoritmia-api/internal/security"
	"github.com/algoritmia/algoritmia-api/internal/storage"
	"github.com/algoritmia/algoritmia-api/internal/user"
	"github.com/algoritmia/algoritmia-api/internal/worker/cleanup"
)

const (
	// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
	dbPingTimeout = 5 * time.Second
	// shutdownTimeout はグレースフルシャットダウンの待機上限。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("frontend_base_url", cfg.FrontendBaseURL),
		slog.String("version", cfg.AppVersion),
	)

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateAction(rest))
	case CommandBootstrap:
		adminEmail := cfg.BootstrapAdminEmail
		if v, ok := FlagValue(rest, "--admin"); ok {
			adminEmail = v
		}
		return runBootstrap(cfg, HasFlag(rest, "--force"), adminEmail)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRegistry はプロセス・Goランタイムのコレクターを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 初期化マーカーの確認（ロールのシードは冪等）
	bootstrapper := database.NewBootstrapper(db, cfg.BootstrapAdminEmail)
	status, err := bootstrapper.Bootstrap(context.Background(), false)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	slog.Info("bootstrap checked",
		slog.Bool("ran", status.Ran),
		slog.Int("runs", status.Runs),
	)
	logAdminGrant(status.AdminGrant, cfg.BootstrapAdminEmail)

	// 3. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 4. リポジトリの初期化
	txManager := repository.NewTxManager(db)
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	emailTokenRepo := repository.NewPostgresTokenRepo(db, model.TokenKindEmailVerification)
	resetTokenRepo := repository.NewPostgresTokenRepo(db, model.TokenKindPasswordReset)

	// 5. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 6. メール送信
	dispatcher := mail.NewDispatcher(newMailSender(cfg), sanitizer, collector, slog.Default(), mail.DispatcherConfig{
		TTLs: map[model.TokenKind]time.Duration{
			model.TokenKindEmailVerification: cfg.EmailVerificationTTL,
			model.TokenKindPasswordReset:     cfg.PasswordResetTTL,
		},
	})

	// 7. 認証サービスの初期化
	var handles auth.HandleChecker
	if cfg.CodeforcesCheckEnabled {
		handles = codeforces.NewClient(ssrfGuard.NewSafeClient(cfg.CodeforcesTimeout), slog.Default(), collector)
	} else {
		slog.Warn("codeforces handle check disabled")
	}

	sessionManager := auth.NewSessionManager(sessionRepo, userRepo, time.Duration(cfg.SessionMaxAge)*time.Second)
	authService := auth.NewService(auth.ServiceDeps{
		Tx:          txManager,
		Users:       userRepo,
		Identities:  identRepo,
		Credentials: auth.NewCredentialStore(auth.NewArgon2idHasher(auth.DefaultArgon2idParams), identRepo),
		Sessions:    sessionManager,
		EmailFlow: auth.NewVerificationFlow(
			auth.EmailVerificationConfig(cfg.FrontendBaseURL, cfg.EmailVerificationTTL),
			txManager, emailTokenRepo, dispatcher,
		),
		ResetFlow: auth.NewVerificationFlow(
			auth.PasswordResetConfig(cfg.FrontendBaseURL, cfg.PasswordResetTTL),
			txManager, resetTokenRepo, dispatcher,
		),
		Handles: handles,
		Events:  collector,
	})

	// 8. ユーザーサービスの初期化
	var avatars user.AvatarStore
	if cfg.R2Configured() {
		store, err := storage.NewR2AvatarStore(context.Background(), storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2BucketName,
			PublicBaseURL:   cfg.R2PublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize avatar storage: %w", err)
		}
		avatars = store
	} else {
		slog.Warn("R2 not configured, avatar uploads disabled")
	}
	userService := user.NewService(userRepo, authService, avatars, ssrfGuard, sanitizer)

	// 9. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:           slog.Default(),
		HTTPRecorder:     collector,
		SessionValidator: sessionManager,
		AllowedOrigins:   cfg.AllowedOrigins,

		TrustProxyHeaders: cfg.TrustProxyHeaders,

		HealthChecker:  db,
		Bootstrapper:   bootstrapper,
		Version:        cfg.AppVersion,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		UserService: userService,
		RoleService: userService,
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serveUntilSignal(server); err != nil {
		return err
	}

	// 送信中のメールを待つ
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dispatcher.Shutdown(ctx); err != nil {
		slog.Warn("pending emails not delivered before shutdown",
			slog.Int("in_flight", dispatcher.InFlight()),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newMailSender はSMTPが設定されていればSMTPSenderを、なければログのみのSenderを返す。
func newMailSender(cfg *config.Config) mail.Sender {
	if !cfg.SMTPConfigured() {
		slog.Warn("SMTP not configured, emails will only be logged")
		return mail.NewLogSender(slog.Default())
	}
	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.FromEmail,
		FromName: "Algoritmia",
	})
}

// serveUntilSignal はサーバーを起動し、SIGINTまたはSIGTERMを受信するとシャットダウンする。
func serveUntilSignal(server *http.Server) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}

	slog.Info("shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのセッションとトークンを定期的に削除し、/healthと/metricsを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	job := cleanup.NewCleanupJob([]cleanup.Target{
		{Resource: "sessions", Repo: repository.NewPostgresSessionRepo(db)},
		{Resource: "email_verification_tokens", Repo: repository.NewPostgresTokenRepo(db, model.TokenKindEmailVerification)},
		{Resource: "password_reset_tokens", Repo: repository.NewPostgresTokenRepo(db, model.TokenKindPasswordReset)},
	}, slog.Default(), collector)
	job.Retention = cfg.CleanupRetention

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("cleanup_retention", cfg.CleanupRetention),
	)

	done := make(chan struct{})
	go func() {
		job.Start(ctx, cfg.CleanupInterval)
		close(done)
	}()

	// 3. ヘルスチェックとメトリクス用の最小サーバー
	r := chi.NewRouter()
	systemHandler := handler.NewSystemHandler(db, database.NewBootstrapper(db, ""), cfg.AppVersion)
	r.Get("/health", systemHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	err = serveUntilSignal(server)
	cancel()
	<-done

	if err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしは未適用のマイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", action.Direction),
	)

	switch action.Direction {
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, action.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", action.Steps))
	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}
	return nil
}

// runBootstrap はロールのシードと初期化マーカーの更新を実行する。
// forceがfalseで初期化済みの場合はマーカーを変更しない。
// adminEmailが指定されていれば、そのユーザーにadminロールを付与する。
func runBootstrap(cfg *config.Config, force bool, adminEmail string) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	status, err := database.Bootstrap(context.Background(), db, force, adminEmail)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	slog.Info("bootstrap completed",
		slog.Bool("ran", status.Ran),
		slog.Bool("force", force),
		slog.Int("runs", status.Runs),
	)
	logAdminGrant(status.AdminGrant, adminEmail)
	return nil
}

// logAdminGrant は初期管理者の付与結果をログに出力する。
func logAdminGrant(grant database.AdminGrant, email string) {
	switch grant {
	case database.AdminGrantGranted:
		slog.Info("initial admin granted", slog.String("email", email))
	case database.AdminGrantAlreadyAdmin:
		slog.Debug("initial admin already has admin role", slog.String("email", email))
	case database.AdminGrantUserNotFound:
		slog.Warn("initial admin not registered yet, sign up and rerun bootstrap",
			slog.String("email", email),
		)
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
