package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freshcart/otpgate/internal/directory"
	"github.com/freshcart/otpgate/internal/hash"
	"github.com/freshcart/otpgate/internal/notify"
	"github.com/freshcart/otpgate/internal/otp"
	"github.com/freshcart/otpgate/internal/store"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, manager etc.) to be injected into the HTTP handlers.
type App struct {
	otp      *otp.Manager
	dir      *directory.Directory
	store    store.Store
	provider models.Provider
	lo       logf.Logger
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.String("app.log_level") == "debug")
	lo.Info("starting otpgate", "version", buildString)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := initFS(os.Args[0], lo)

	// Load the store.
	st, closeStore := initStore(ctx, lo)
	defer closeStore()

	// Load the provider and its templates.
	prov := initProvider(lo)
	tpl, err := notify.LoadTemplates(fs, "/static/email/*.html")
	if err != nil {
		lo.Fatal("error compiling e-mail templates", "error", err)
	}

	ttl := ko.Duration("app.otp_ttl")
	disp, err := notify.New(prov, tpl, initSubjects(), notify.Opt{
		AppName: ko.String("app.name"),
		TTL:     ttl,
	}, lo)
	if err != nil {
		lo.Fatal("error initializing notifications", "error", err)
	}

	dir, closeDir := initDirectory(ctx, lo)
	defer closeDir()

	hasher, err := hash.NewBcrypt(ko.Int("app.bcrypt_cost"), ko.String("app.pepper"))
	if err != nil {
		lo.Fatal("invalid app.pepper", "error", err, "max_len", hash.MaxPepperLen)
	}

	app := &App{
		otp: otp.New(st, hasher, disp, otp.Opt{
			TTL:                 ttl,
			MaxAttempts:         ko.Int("app.otp_max_attempts"),
			Cooldown:            ko.Duration("app.otp_cooldown"),
			RejectLive:          ko.Bool("app.reject_live"),
			RevokeOnSendFailure: ko.Bool("app.revoke_on_send_failure"),
		}, lo),
		dir:      dir,
		store:    st,
		provider: prov,
		lo:       lo,
	}

	authCreds := initAuth(lo)
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpgate"))
	})
	registerHandlers(r, app, authCreds)

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	go func() {
		<-ctx.Done()
		lo.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	lo.Info("starting server", "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lo.Fatal("couldn't start server", "error", err)
	}
}

// registerHandlers registers the HTTP API routes.
func registerHandlers(r chi.Router, app *App, authCreds map[string]string) {
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/providers", auth(authCreds, wrap(app, handleGetProviders)))
	r.Put("/api/otp/{purpose}", auth(authCreds, wrap(app, handleIssueOTP)))
	r.Post("/api/otp/{purpose}/resend", auth(authCreds, wrap(app, handleResendOTP)))
	r.Post("/api/otp/{purpose}", auth(authCreds, wrap(app, handleVerifyOTP)))
	r.Get("/api/otp/{purpose}/attempts", auth(authCreds, wrap(app, handleGetAttempts)))
}
