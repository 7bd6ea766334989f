package fus

import (
	"errors"
	"fmt"
	"io"
	"testing"

	perrors "github.com/pkg/errors"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "unclassified", err: io.EOF, want: nil},
		{name: "network", err: fmt.Errorf("%w: dial: %w", ErrNetwork, io.ErrUnexpectedEOF), want: ErrNetwork},
		{name: "server 500", err: &ServerError{Status: 500}, want: ErrServer},
		{name: "server 401", err: &ServerError{Status: 401}, want: ErrAuth},
		{name: "wrapped server 403", err: perrors.Wrap(&ServerError{Status: 403}, "download"), want: ErrAuth},
		{name: "integrity", err: &IntegrityError{Expected: 1, Actual: 2}, want: ErrIntegrity},
		{name: "wrapped not found", err: perrors.Wrapf(fmt.Errorf("%w: status 404", ErrNotFound), "resolve"), want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retry     bool
		handshake bool
	}{
		{name: "network", err: ErrNetwork, retry: true},
		{name: "server 503", err: &ServerError{Status: 503}, retry: true},
		{name: "server 429", err: &ServerError{Status: 429}, retry: true},
		{name: "server 416", err: &ServerError{Status: 416}},
		{name: "auth", err: &ServerError{Status: 401}, handshake: true},
		{name: "protocol", err: ErrProtocol, handshake: true},
		{name: "not found", err: ErrNotFound},
		{name: "interrupted", err: ErrInterrupted},
		{name: "integrity", err: &IntegrityError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.retry {
				t.Errorf("Retryable() = %v, want %v", got, tt.retry)
			}
			if got := NeedsHandshake(tt.err); got != tt.handshake {
				t.Errorf("NeedsHandshake() = %v, want %v", got, tt.handshake)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	err := Classify(ErrIO, io.ErrShortWrite)
	if !errors.Is(err, ErrIO) || !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("Classify() = %v, want ErrIO wrapping the cause", err)
	}
	if err := Classify(ErrIO, ErrInterrupted); Kind(err) != ErrInterrupted {
		t.Errorf("Classify() reclassified %v", err)
	}
	if Classify(ErrIO, nil) != nil {
		t.Errorf("Classify(nil) != nil")
	}
}
