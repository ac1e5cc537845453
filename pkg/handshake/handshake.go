// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handshake parses and validates the first frame of a client
// connection.
package handshake

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/absmach/wsrelay/pkg/errors"
)

// AuthDescriptor is the handshake frame. Fields other than these two are ignored.
type AuthDescriptor struct {
	BearerToken string `json:"bearer_token"`
	ServiceURL  string `json:"service_url"`
}

// Parse decodes frame as an AuthDescriptor. Every failure wraps ErrInvalidHandshake.
func Parse(frame []byte) (AuthDescriptor, error) {
	var desc AuthDescriptor
	if err := json.Unmarshal(frame, &desc); err != nil {
		return AuthDescriptor{}, fmt.Errorf("%w: %v", errors.ErrInvalidHandshake, err)
	}

	desc.BearerToken = strings.TrimSpace(desc.BearerToken)
	desc.ServiceURL = strings.TrimSpace(desc.ServiceURL)

	switch {
	case desc.BearerToken == "":
		return AuthDescriptor{}, fmt.Errorf("%w: missing bearer_token", errors.ErrInvalidHandshake)
	case desc.ServiceURL == "":
		return AuthDescriptor{}, fmt.Errorf("%w: missing service_url", errors.ErrInvalidHandshake)
	}

	return desc, nil
}

// Validator parses handshakes and restricts the upstream hosts they may name.
type Validator struct {
	allowed map[string]struct{}
}

// NewValidator creates a Validator. Entries are host or host:port; an empty
// list allows every upstream.
func NewValidator(allowedHosts []string) *Validator {
	v := &Validator{allowed: make(map[string]struct{})}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			v.allowed[h] = struct{}{}
		}
	}
	return v
}

// Validate parses frame and checks the service URL against the allow-list.
func (v *Validator) Validate(frame []byte) (AuthDescriptor, error) {
	desc, err := Parse(frame)
	if err != nil {
		return AuthDescriptor{}, err
	}

	if len(v.allowed) == 0 {
		return desc, nil
	}

	u, err := url.Parse(desc.ServiceURL)
	if err != nil {
		return AuthDescriptor{}, fmt.Errorf("%w: %v", errors.ErrInvalidHandshake, err)
	}

	host := strings.ToLower(u.Host)
	if _, ok := v.allowed[host]; ok {
		return desc, nil
	}
	if _, ok := v.allowed[strings.ToLower(u.Hostname())]; ok {
		return desc, nil
	}

	return AuthDescriptor{}, fmt.Errorf("%w: %w: %s", errors.ErrInvalidHandshake, errors.ErrUpstreamNotAllowed, host)
}
