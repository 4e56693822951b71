package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
	"github.com/mikeyg42/peercall/internal/creds"
	"github.com/mikeyg42/peercall/internal/identity"
	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/rtc"
	"github.com/mikeyg42/peercall/internal/session"
	"github.com/mikeyg42/peercall/internal/signal"
)

// Application holds the client's long-lived components.
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	capturer    *media.DeviceCapturer
	controller  *media.Controller
	coordinator *session.Coordinator
	profile     *session.ProfileStore
}

func main() {
	cfg := config.NewDefaultConfig()

	flagSet := pflag.NewFlagSet("peercall", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.SignalURL, "signal-url", cfg.SignalURL, "relay websocket URL")
	flagSet.StringVar(&cfg.CredentialsURL, "credentials-url", cfg.CredentialsURL, "TURN credential endpoint (empty for STUN-only)")
	flagSet.StringVar(&cfg.DisplayName, "display-name", cfg.DisplayName, "name shown on your messages")
	flagSet.StringVar(&cfg.StatePath, "state-path", cfg.StatePath, "local state database path")
	room := flagSet.String("room", "", "room passphrase to join (empty to mint one)")
	debug := flagSet.Bool("debug", false, "verbose logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(*room); err != nil {
		logger.Fatal("call failed", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	capturer, err := media.NewDeviceCapturer(cfg.VideoConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("probe capture devices: %w", err)
	}

	controller := media.NewController(capturer, cfg.VideoConfig, logger)

	credClient := creds.NewClient(cfg.CredentialsURL, cfg.ICEConfig, logger)
	dialer := rtc.NewPionDialer(cfg.ICEConfig, capturer.Selector(), credClient, logger)

	profile, err := session.OpenProfileStore(cfg.StatePath)
	if err != nil {
		logger.Warn("profile store unavailable, display name will not persist", zap.Error(err))
		profile = nil
	}

	app := &Application{
		config:     cfg,
		logger:     logger,
		capturer:   capturer,
		controller: controller,
		profile:    profile,
	}

	dialSignal := func(ctx context.Context, room string, local identity.ParticipantID) (signal.Transport, error) {
		t, err := signal.Dial(ctx, cfg.SignalURL, room, local, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	app.coordinator = session.NewCoordinator(cfg, controller, dialer, dialSignal, profile, session.Hooks{
		StateChanged: func(state session.CallState) {
			fmt.Printf("* call state: %s\n", state)
		},
		Message: func(msg session.Message) {
			fmt.Printf("[%s] %s: %s\n", msg.SentAt.Format("15:04:05"), msg.DisplayName, msg.Body)
		},
		PeerJoined: func(remote identity.ParticipantID) {
			fmt.Printf("* %s joined\n", remote)
		},
		PeerLeft: func(remote identity.ParticipantID) {
			fmt.Printf("* %s left\n", remote)
		},
	}, logger)

	return app, nil
}

func (app *Application) Cleanup() {
	app.coordinator.EndCall()
	if app.profile != nil {
		app.profile.Close()
	}
}

// Run joins the room and drives the call from stdin until the user
// quits or the process is signalled.
func (app *Application) Run(room string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	ossignal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		app.logger.Info("shutting down")
		app.coordinator.EndCall()
		cancel()
		os.Exit(0)
	}()

	if room == "" {
		room = app.coordinator.SuggestedPassphrase()
		fmt.Printf("* share this passphrase to be joined: %s\n", room)
	}

	if err := app.coordinator.StartCall(ctx, room); err != nil {
		return err
	}

	app.repl(ctx)
	return nil
}

func (app *Application) repl(ctx context.Context) {
	fmt.Println("commands: /mute /camera /flip /low /hd /name <name> /who /end /quit; anything else is sent as a message")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit", line == "/end":
			app.coordinator.EndCall()
			return

		case line == "/mute":
			on := app.coordinator.ToggleAudio()
			fmt.Printf("* microphone %s\n", onOff(on))

		case line == "/camera":
			on, err := app.coordinator.ToggleCamera()
			if err != nil {
				fmt.Printf("* camera toggle failed: %v\n", err)
				continue
			}
			fmt.Printf("* camera %s\n", onOff(on))

		case line == "/flip":
			if err := app.coordinator.SwitchCamera(ctx); err != nil {
				fmt.Printf("* camera switch failed: %v\n", err)
			}

		case line == "/low":
			if err := app.coordinator.SetLowDataMode(ctx, true); err != nil {
				fmt.Printf("* low data mode failed: %v\n", err)
			}

		case line == "/hd":
			if err := app.coordinator.SetLowDataMode(ctx, false); err != nil {
				fmt.Printf("* hd mode failed: %v\n", err)
			}

		case strings.HasPrefix(line, "/name "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/name "))
			if err := app.coordinator.SetDisplayName(name); err != nil {
				fmt.Printf("* rename failed: %v\n", err)
			}

		case line == "/who":
			for _, id := range app.coordinator.Participants() {
				fmt.Printf("* %s\n", id)
			}

		default:
			if err := app.coordinator.SendMessage(line); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
