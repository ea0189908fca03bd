package repositories

import (
	"context"
	"errors"
	"fmt"
)

// Adapter names the external collaborator that failed
type Adapter string

const (
	AdapterTranscriber Adapter = "transcriber"
	AdapterGenerator   Adapter = "generator"
	AdapterSynthesizer Adapter = "synthesizer"
)

// FailKind classifies adapter failures
type FailKind string

const (
	KindEmptyAudio          FailKind = "empty_audio"
	KindEngineError         FailKind = "engine_error"
	KindTimeout             FailKind = "timeout"
	KindUpstreamUnreachable FailKind = "upstream_unreachable"
	KindInvalidResponse     FailKind = "invalid_response"
	KindDeviceUnavailable   FailKind = "device_unavailable"
)

// AdapterError is returned by every adapter call that fails
type AdapterError struct {
	Adapter Adapter
	Kind    FailKind
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Adapter, e.Kind)
	}
	return fmt.Sprintf("%s failed: %s: %v", e.Adapter, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Fail builds an AdapterError
func Fail(adapter Adapter, kind FailKind, err error) error {
	return &AdapterError{Adapter: adapter, Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err. Errors that are not
// AdapterErrors are reported as engine errors, and context deadline
// expiry as a timeout.
func KindOf(err error) FailKind {
	if err == nil {
		return ""
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindEngineError
}

// TimeoutKind returns the kind an expired call of the given adapter maps to
func TimeoutKind(adapter Adapter) FailKind {
	if adapter == AdapterSynthesizer {
		return KindEngineError
	}
	return KindTimeout
}
