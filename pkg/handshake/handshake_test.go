// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"errors"
	"testing"

	rerrors "github.com/absmach/wsrelay/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    AuthDescriptor
		wantErr bool
	}{
		{
			name:  "valid",
			frame: `{"bearer_token": "abc123", "service_url": "wss://upstream.example/socket"}`,
			want:  AuthDescriptor{BearerToken: "abc123", ServiceURL: "wss://upstream.example/socket"},
		},
		{
			name:  "extra fields ignored",
			frame: `{"bearer_token":"t","service_url":"ws://u","model":"x","setup":{"a":1}}`,
			want:  AuthDescriptor{BearerToken: "t", ServiceURL: "ws://u"},
		},
		{
			name:    "not JSON",
			frame:   `hello`,
			wantErr: true,
		},
		{
			name:    "JSON array",
			frame:   `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "JSON null",
			frame:   `null`,
			wantErr: true,
		},
		{
			name:    "missing token",
			frame:   `{"service_url":"ws://u"}`,
			wantErr: true,
		},
		{
			name:    "missing url",
			frame:   `{"bearer_token":"t"}`,
			wantErr: true,
		},
		{
			name:    "empty token",
			frame:   `{"bearer_token":"  ","service_url":"ws://u"}`,
			wantErr: true,
		},
		{
			name:    "non-string token",
			frame:   `{"bearer_token":42,"service_url":"ws://u"}`,
			wantErr: true,
		},
		{
			name:    "regular message first",
			frame:   `{"type":"ping"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.frame))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() expected error, got %+v", got)
				}
				if !errors.Is(err, rerrors.ErrInvalidHandshake) {
					t.Errorf("Expected ErrInvalidHandshake, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidator(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		url        string
		wantErr    bool
		notAllowed bool
	}{
		{
			name: "no allow-list",
			url:  "wss://anything.example/socket",
		},
		{
			name:    "host allowed",
			allowed: []string{"upstream.example"},
			url:     "wss://upstream.example/socket",
		},
		{
			name:    "host allowed with port",
			allowed: []string{"Upstream.Example"},
			url:     "wss://upstream.example:8443/socket",
		},
		{
			name:    "host:port entry",
			allowed: []string{"localhost:9000"},
			url:     "ws://localhost:9000/",
		},
		{
			name:       "host:port entry other port",
			allowed:    []string{"localhost:9000"},
			url:        "ws://localhost:9001/",
			wantErr:    true,
			notAllowed: true,
		},
		{
			name:       "host not allowed",
			allowed:    []string{"upstream.example"},
			url:        "wss://evil.example/socket",
			wantErr:    true,
			notAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.allowed)
			frame := `{"bearer_token":"t","service_url":"` + tt.url + `"}`

			_, err := v.Validate([]byte(frame))
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, rerrors.ErrInvalidHandshake) {
				t.Errorf("Expected ErrInvalidHandshake, got %v", err)
			}
			if tt.notAllowed && !errors.Is(err, rerrors.ErrUpstreamNotAllowed) {
				t.Errorf("Expected ErrUpstreamNotAllowed, got %v", err)
			}
		})
	}
}
