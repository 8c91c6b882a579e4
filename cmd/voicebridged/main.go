package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo"

	"github.com/fpoisson2/voicebridge/internal/audio"
	"github.com/fpoisson2/voicebridge/internal/call"
	"github.com/fpoisson2/voicebridge/internal/config"
	"github.com/fpoisson2/voicebridge/internal/diagnostics"
	"github.com/fpoisson2/voicebridge/internal/router"
	"github.com/fpoisson2/voicebridge/internal/session"
)

// main wires the SIP transport, the call pool/recorder, and the Call
// Controller together, grounded on cmd/sip-tg-bridge/main.go's UA/transport
// setup and bridge/service.go's Start/handleIncomingSIP dispatch — with the
// Telegram client and its command handler removed, since the far side of
// every call is now the remote model, not a Telegram peer.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		logger.Error("sip ua init failed", "error", err)
		os.Exit(1)
	}

	udpTransport := diago.Transport{
		Transport:    "udp",
		BindHost:     "0.0.0.0",
		BindPort:     cfg.SIPBindPort,
		ExternalHost: cfg.SIPExternalIP,
	}
	tcpTransport := diago.Transport{
		Transport:    "tcp",
		BindHost:     "0.0.0.0",
		BindPort:     cfg.SIPBindPort,
		ExternalHost: cfg.SIPExternalIP,
	}

	sipDiago := diago.NewDiago(ua,
		diago.WithTransport(udpTransport),
		diago.WithTransport(tcpTransport),
		diago.WithLogger(logger),
		diago.WithMediaConfig(diago.MediaConfig{
			Codecs: telephonyCodecs,
		}),
	)

	var authServer *diago.DigestAuthServer
	if cfg.SIPAuthUser != "" && cfg.SIPAuthPass != "" {
		authServer = diago.NewDigestServer()
	}

	pool := audio.NewPool(cfg.MaxPoolSize, cfg.MaxReuseCount)
	recorder := diagnostics.NewRecorder(cfg.DiagnosticsWindow)

	openSession := func(ctx context.Context) (call.ModelSession, error) {
		return session.Open(ctx, session.OpenConfig{
			Model:        cfg.Model,
			Voice:        cfg.Voice,
			Instructions: cfg.Instructions,
			AuthToken:    cfg.AuthToken,
		})
	}

	controller := call.NewController(pool, recorder, openSession, call.Config{
		MaxActiveCalls:     int(cfg.MaxActiveCalls),
		SpeakFirst:         cfg.SpeakFirst,
		PrimeSilenceFrames: cfg.PrimeSilenceFrames,
		FirstFrameTimeout:  cfg.FirstFrameTimeout,
		SessionOpenTimeout: cfg.SessionOpenTimeout,
		EstablishTimeout:   cfg.EstablishTimeout,
		RingThresholds: audio.RingThresholds{
			Target: cfg.TargetFrames,
			High:   cfg.HighFrames,
			Cap:    cfg.CapFrames,
		},
		RouterConfig: router.Config{
			ResponseWatchdog:   cfg.ResponseWatchdog,
			PrimeSilenceFrames: cfg.PrimeSilenceFrames,
			HookMaxPending:     cfg.HookMaxPending,
		},
	}, logger)

	if cfg.SIPAuthUser != "" && cfg.SIPAuthPass != "" {
		go func() {
			recipient := sipRegisterRecipient(cfg)
			err := sipDiago.Register(ctx, recipient, diago.RegisterOptions{
				Username:  cfg.SIPAuthUser,
				Password:  cfg.SIPAuthPass,
				ProxyHost: cfg.SIPProvider,
				Expiry:    3600 * time.Second,
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("sip registration failed", "error", err)
			}
		}()
	}

	var callCounter atomic.Int64

	err = sipDiago.Serve(ctx, func(inDialog *diago.DialogServerSession) {
		callLogger := logger.With(
			"call_id", sipCallID(inDialog),
			"sip_from", inDialog.FromUser(),
			"sip_to", inDialog.ToUser(),
		)

		if err := authorizeInboundSIP(authServer, inDialog, cfg, callLogger); err != nil {
			return
		}

		native := newSIPNativeCall(inDialog, callLogger, cfg.EnableEarlyMedia)

		number := int(callCounter.Add(1))
		stats := controller.HandleCall(inDialog.Context(), sipCallID(inDialog), number, native, native.MediaActive(), router.Hooks{})

		if stats.Error != nil {
			callLogger.Warn("call ended with error", "error", stats.Error)
		} else {
			callLogger.Info("call ended", "duration", stats.Duration, "inbound_bytes", stats.InboundBytes, "outbound_bytes", stats.OutboundBytes)
		}
	})

	logger.Info("shutting down...")
	if err != nil && ctx.Err() == nil {
		logger.Error("bridge stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func sipCallID(dialog *diago.DialogServerSession) string {
	if dialog == nil || dialog.InviteRequest == nil || dialog.InviteRequest.CallID() == nil {
		return ""
	}
	return dialog.InviteRequest.CallID().Value()
}
