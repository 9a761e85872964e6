package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
)

// validateIssuer ensures the issuer is served over HTTPS. Every token,
// assertion and software statement is audience restricted to it, so an HTTP
// issuer is only accepted on localhost or with AllowInsecureHTTP.
func validateIssuer(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.RawQuery != "" || issuerURL.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !config.AllowInsecureHTTP {
			logger.Warn("DEVELOPMENT WARNING: Running the authorization server over HTTP on localhost",
				"issuer", config.Issuer,
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}
	if !config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	logger.Error("CRITICAL SECURITY WARNING: Running the authorization server over HTTP",
		"issuer", config.Issuer,
		"hostname", hostname,
		"risk", "Tokens and client assertions exposed to interception")
	return nil
}

// isLocalhostHostname reports whether hostname is the local machine,
// including the whole 127.0.0.0/8 range and ::1
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
