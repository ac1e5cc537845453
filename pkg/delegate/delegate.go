// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delegate hands every request that is not a relay upgrade to the
// web application, without interpreting it.
package delegate

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// New returns a handler that reverse proxies requests to appURL. An empty
// appURL yields a handler that answers 404 to everything.
func New(appURL string, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if appURL == "" {
		logger.Warn("no application URL configured, non-upgrade requests will get 404")
		return http.NotFoundHandler(), nil
	}

	target, err := url.Parse(appURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse application URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported application URL scheme %q", target.Scheme)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("application request failed",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}
