package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/freshcart/otpgate/internal/directory"
	"github.com/freshcart/otpgate/internal/providers/pinpoint"
	"github.com/freshcart/otpgate/internal/providers/smtp"
	"github.com/freshcart/otpgate/internal/providers/webhook"
	"github.com/freshcart/otpgate/internal/store"
	"github.com/freshcart/otpgate/internal/store/postgres"
	"github.com/freshcart/otpgate/internal/store/redis"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

// defaults are applied to keys that aren't set by any config source.
var defaults = map[string]interface{}{
	"app.address":                "0.0.0.0:9000",
	"app.name":                   "FreshCart",
	"app.log_level":              "info",
	"app.provider":               "smtp",
	"app.otp_ttl":                "10m",
	"app.otp_max_attempts":       3,
	"app.otp_cooldown":           "60s",
	"app.bcrypt_cost":            10,
	"app.revoke_on_send_failure": true,

	"store.type": "redis",

	"templates.signup":      "Your {{ .AppName }} signup code",
	"templates.user_reset":  "Reset your {{ .AppName }} password",
	"templates.admin_reset": "{{ .AppName }} admin password reset",
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("OTPGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTPGATE_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)

	for k, v := range defaults {
		if !ko.Exists(k) {
			ko.Set(k, v)
		}
	}
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
	}
	return logf.New(opts)
}

// initStore loads the configured credential store. The returned function
// releases it.
func initStore(ctx context.Context, lo logf.Logger) (store.Store, func()) {
	switch typ := ko.String("store.type"); typ {
	case "redis":
		var c redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error loading redis config", "error", err)
		}

		r := redis.New(c)
		if err := r.Ping(ctx); err != nil {
			lo.Error("error connecting to redis", "error", err)
		}
		return r, func() { r.Close() }

	case "postgres":
		var c postgres.Conf
		if err := ko.UnmarshalWithConf("store.postgres", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error loading postgres config", "error", err)
		}

		p, err := postgres.New(ctx, c, lo)
		if err != nil {
			lo.Fatal("error initializing postgres store", "error", err)
		}

		// Postgres doesn't expire rows on its own.
		go p.RunSweeper(ctx)
		return p, p.Close

	default:
		lo.Fatal("unknown store type", "type", typ)
	}

	return nil, nil
}

// initProvider loads the configured delivery provider.
func initProvider(lo logf.Logger) models.Provider {
	var (
		name = ko.String("app.provider")
		key  = "provider." + name
		uc   = koanf.UnmarshalConf{Tag: "json"}

		p   models.Provider
		err error
	)

	switch name {
	case "smtp":
		var c smtp.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			lo.Fatal("error loading provider config", "provider", name, "error", err)
		}
		p, err = smtp.New(c)

	case "webhook":
		var c webhook.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			lo.Fatal("error loading provider config", "provider", name, "error", err)
		}
		p, err = webhook.New(c)

	case "pinpoint":
		var c pinpoint.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			lo.Fatal("error loading provider config", "provider", name, "error", err)
		}
		p, err = pinpoint.New(c)

	default:
		lo.Fatal("unknown provider", "provider", name)
	}

	if err != nil {
		lo.Fatal("error initializing provider", "provider", name, "error", err)
	}

	lo.Info("loaded provider", "provider", p.ID(), "channel", p.ChannelName())
	return p
}

// initSubjects loads the per-purpose subject templates.
func initSubjects() map[models.Purpose]string {
	out := make(map[models.Purpose]string, len(models.Purposes))
	for _, p := range models.Purposes {
		out[p] = ko.String("templates." + string(p))
	}
	return out
}

// initDirectory loads the identity directory. Without a DSN, user
// registration checks are skipped.
func initDirectory(ctx context.Context, lo logf.Logger) (*directory.Directory, func()) {
	var (
		users   directory.Users
		closeFn = func() {}
		admins  = ko.Strings("app.admin_identities")
	)

	if ko.String("directory.dsn") != "" {
		var c directory.PostgresConf
		if err := ko.UnmarshalWithConf("directory", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error loading directory config", "error", err)
		}

		p, err := directory.NewPostgres(ctx, c)
		if err != nil {
			lo.Fatal("error connecting to directory", "error", err)
		}
		users, closeFn = p, p.Close
	} else {
		lo.Info("no directory.dsn configured, skipping user registration checks")
	}

	if len(admins) == 0 {
		lo.Info("no app.admin_identities configured, admin resets are disabled")
	}

	return directory.New(users, admins), closeFn
}

// initAuth loads the client:secret authorisation maps.
func initAuth(lo logf.Logger) map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			client = k["client"]
			secret = k["secret"]
		)

		if client == "" || secret == "" {
			lo.Fatal("client or secret keys not found", "auth", a)
		}
		out[client] = secret
	}

	return out
}

func initFS(exe string, lo logf.Logger) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				lo.Fatal("error falling back to local filesystem", "error", err)
			}
		} else {
			lo.Fatal("error reading stuffed binary", "error", err)
		}
	}

	return fs
}
