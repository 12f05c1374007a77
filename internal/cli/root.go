// Package cli はengagectlのコマンドを提供する。
// セッションは状態ディレクトリのLevelDBに保存され、コマンド間で引き継がれる。
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/engagepro/internal/apiclient"
	"github.com/hitoshi/engagepro/internal/config"
	"github.com/hitoshi/engagepro/internal/logger"
	"github.com/hitoshi/engagepro/internal/session"
	"github.com/hitoshi/engagepro/internal/storage"
)

// env はコマンド実行中に共有する依存。PersistentPreRunEで初期化される。
type env struct {
	cfg     config.ClientConfig
	verbose bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logger   *slog.Logger
	db       *storage.DB
	api      *apiclient.Client
	sessions *session.Store
	out      *printer
}

// Run はargsでengagectlを実行する。
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	e := &env{
		cfg:    config.LoadClient(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	defer e.close()

	root := newRootCommand(e)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// Hint はエラーに対してユーザーが取るべき行動を返す。なければ空文字。
func Hint(err error) string {
	var se *session.Error
	if errors.As(err, &se) && se.Action != "" {
		return se.Action
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) && apiErr.Action != "" {
		return apiErr.Action
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		return "engagectl login でログインしてください"
	}
	return ""
}

func newRootCommand(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "engagectl",
		Short: "EngagePro command line client",
		Long: `engagectl is a command line client for the EngagePro API.

It keeps the signed-in session in a local state directory so that
subsequent commands reuse it until it expires or you log out.

Environment:
  ENGAGEPRO_API_URL     API base URL (default http://localhost:8080)
  ENGAGEPRO_STATE_DIR   session state directory
  ENGAGEPRO_TIMEOUT     request timeout (default 15s)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.cfg.APIURL, "api-url", e.cfg.APIURL, "EngagePro API base URL")
	flags.StringVar(&e.cfg.StateDir, "state-dir", e.cfg.StateDir, "directory for the persisted session")
	flags.DurationVar(&e.cfg.Timeout, "timeout", e.cfg.Timeout, "request timeout")
	flags.BoolVarP(&e.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newLoginCommand(e),
		newSignupCommand(e),
		newLogoutCommand(e),
		newWhoamiCommand(e),
		newPasswordCommand(e),
		newEmailCommand(e),
		newProfileCommand(e),
		newNotificationsCommand(e),
		newPublishCommand(e),
	)
	return root
}

// open は状態ディレクトリとAPIクライアントを準備し、保存済みセッションを読み込む。
func (e *env) open() error {
	e.logger = logger.SetupCLI(e.stderr, e.verbose)
	e.out = newPrinter(e.stdout)

	if err := os.MkdirAll(e.cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := storage.OpenLevelDB(e.cfg.StateDir)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return fmt.Errorf("another engagectl process is using %s: %w", e.cfg.StateDir, err)
		}
		return err
	}
	e.db = db

	e.api = apiclient.New(e.cfg.APIURL, apiclient.WithHTTPClient(newHTTPClient(e.cfg.Timeout)))
	e.sessions = session.NewStore(e.api, e.db, session.WithLogger(e.logger))
	if err := e.sessions.Restore(); err != nil {
		return err
	}
	e.logger.Debug("engagectl initialized",
		slog.String("api_url", e.cfg.APIURL),
		slog.String("state_dir", e.cfg.StateDir),
		slog.Bool("authenticated", e.sessions.IsAuthenticated()),
	)
	return nil
}

func (e *env) close() {
	if e.db != nil {
		if err := e.db.Close(); err != nil && e.logger != nil {
			e.logger.Warn("failed to close state database", slog.String("error", err.Error()))
		}
		e.db = nil
	}
}

// token は現在のBearerトークンを返す。
func (e *env) token() (string, error) {
	return e.sessions.Token()
}

// checkAuth はAPI呼び出しのエラーがトークン拒否であればセッションを破棄する。
func (e *env) checkAuth(token string, err error) error {
	if err != nil {
		e.sessions.HandleUnauthorized(token, err)
	}
	return err
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
