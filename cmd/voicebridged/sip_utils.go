package main

import (
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo/sip"

	"github.com/fpoisson2/voicebridge/internal/config"
)

func splitHostPort(host string) (string, int) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, err := strconv.Atoi(p)
		if err == nil {
			return h, port
		}
	}
	return host, 0
}

// sipRegisterRecipient builds the REGISTER target URI for the configured
// upstream SIP provider.
func sipRegisterRecipient(cfg config.Config) sip.Uri {
	host, port := splitHostPort(cfg.SIPProvider)
	recipient := sip.Uri{
		User: cfg.SIPAuthUser,
		Host: host,
	}
	if port > 0 {
		recipient.Port = port
	}
	if cfg.SIPTransport != "" {
		recipient.UriParams = sip.HeaderParams{"transport": cfg.SIPTransport}
	}
	return recipient
}

// authorizeInboundSIP challenges the inbound dialog with digest auth when an
// auth server is configured (sip.auth_user/sip.auth_password set); a nil
// authServer means no credentials were configured, so every call is allowed.
func authorizeInboundSIP(authServer *diago.DigestAuthServer, dialog *diago.DialogServerSession, cfg config.Config, log *slog.Logger) error {
	if authServer == nil {
		return nil
	}
	auth := diago.DigestAuth{
		Username: cfg.SIPAuthUser,
		Password: cfg.SIPAuthPass,
		Realm:    cfg.SIPAuthRealm,
	}
	if err := authServer.AuthorizeDialog(dialog, auth); err != nil {
		log.Warn("sip auth failed", "error", err)
		return err
	}
	return nil
}
