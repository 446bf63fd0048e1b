// Package hooks declares the extension points behind the menu actions that
// touch the host beyond the agent itself. The agent ships only the Disabled
// implementations; deployments that need a real behaviour provide their own.
package hooks

import (
	"context"
	"errors"
	"io"
)

// ErrDisabled is returned by every Disabled hook.
var ErrDisabled = errors.New("action disabled in this build")

// NetworkReconfigurer changes the host's resolver configuration.
type NetworkReconfigurer interface {
	ChangeDNS(ctx context.Context) error
}

// PayloadRunner fetches its artifact, runs it and writes the output to w.
type PayloadRunner interface {
	RunPayload(ctx context.Context, w io.Writer) error
}

// Detonator performs the terminal step of the destroy sequence.
type Detonator interface {
	Detonate(ctx context.Context) error
}

type Disabled struct{}

func (Disabled) ChangeDNS(context.Context) error {
	return ErrDisabled
}

func (Disabled) RunPayload(context.Context, io.Writer) error {
	return ErrDisabled
}

func (Disabled) Detonate(context.Context) error {
	return ErrDisabled
}
