package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/creds"
	"github.com/mikeyg42/peercall/internal/relay"
)

type serverFlags struct {
	listenAddr string
	jwtSecret  string

	redisAddr     string
	redisPassword string
	redisDB       int

	turnPublicIP string
	turnPort     int
	turnRealm    string
	turnSecret   string
	credTTL      time.Duration

	postgresDSN string

	debug bool
}

func main() {
	var flags serverFlags

	flagSet := pflag.NewFlagSet("signald", pflag.ContinueOnError)
	flagSet.StringVar(&flags.listenAddr, "listen", ":7000", "HTTP listen address")
	flagSet.StringVar(&flags.jwtSecret, "jwt-secret", "", "require signed bearer tokens on the credential endpoint")
	flagSet.StringVar(&flags.redisAddr, "redis-addr", "", "redis address for room presence (empty to disable)")
	flagSet.StringVar(&flags.redisPassword, "redis-password", "", "redis password")
	flagSet.IntVar(&flags.redisDB, "redis-db", 0, "redis database number")
	flagSet.StringVar(&flags.turnPublicIP, "turn-public-ip", "", "public IP to advertise for TURN relay (empty to disable TURN)")
	flagSet.IntVar(&flags.turnPort, "turn-port", 3478, "TURN listen port")
	flagSet.StringVar(&flags.turnRealm, "turn-realm", "peercall", "TURN realm")
	flagSet.StringVar(&flags.turnSecret, "turn-secret", "", "shared secret for TURN credentials")
	flagSet.DurationVar(&flags.credTTL, "cred-ttl", 10*time.Minute, "lifetime of issued TURN credentials")
	flagSet.StringVar(&flags.postgresDSN, "postgres-dsn", "", "postgres DSN for the credential grant audit log (empty to disable)")
	flagSet.BoolVar(&flags.debug, "debug", false, "verbose logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(flags.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(flags, logger); err != nil {
		logger.Fatal("signald failed", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(flags serverFlags, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var presence *relay.Presence
	if flags.redisAddr != "" {
		var err error
		presence, err = relay.NewPresence(flags.redisAddr, flags.redisPassword, flags.redisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer presence.Close()
		logger.Info("room presence enabled", zap.String("redis", flags.redisAddr))
	}

	var issuer *creds.Issuer
	if flags.turnPublicIP != "" {
		if flags.turnSecret == "" {
			return fmt.Errorf("--turn-secret is required when TURN is enabled")
		}

		var store *creds.GrantStore
		if flags.postgresDSN != "" {
			var err error
			store, err = creds.OpenGrantStore(flags.postgresDSN)
			if err != nil {
				return fmt.Errorf("open grant store: %w", err)
			}
			defer store.Close()
		}

		turnServer, err := creds.StartTURNServer(ctx, creds.TURNConfig{
			PublicIP: flags.turnPublicIP,
			Port:     flags.turnPort,
			Realm:    flags.turnRealm,
			Secret:   flags.turnSecret,
		}, logger)
		if err != nil {
			return fmt.Errorf("start TURN server: %w", err)
		}
		defer turnServer.Close()

		issuer, err = creds.NewIssuer(flags.turnSecret, flags.credTTL, turnServer.URIs(flags.turnPublicIP), store, logger)
		if err != nil {
			return fmt.Errorf("create credential issuer: %w", err)
		}
		logger.Info("TURN relay enabled",
			zap.String("publicIP", flags.turnPublicIP),
			zap.Int("port", flags.turnPort))
	}

	hub := relay.NewHub(presence, logger)
	server := relay.NewServer(relay.ServerConfig{
		ListenAddr: flags.listenAddr,
		JWTSecret:  flags.jwtSecret,
	}, hub, issuer, logger)

	sigc := make(chan os.Signal, 1)
	ossignal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info("shutting down")
		cancel()
		os.Exit(0)
	}()

	logger.Info("signald listening", zap.String("addr", flags.listenAddr))
	return server.Run()
}
