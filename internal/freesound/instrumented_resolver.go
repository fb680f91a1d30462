package freesound

import (
	"context"

	"github.com/italolelis/ambiance/internal/telemetry"
)

// InstrumentedResolver wraps Resolver with telemetry.
type InstrumentedResolver struct {
	resolver  *Resolver
	telemetry *telemetry.Telemetry
}

// NewInstrumentedResolver creates a new instrumented resolver.
func NewInstrumentedResolver(resolver *Resolver, tel *telemetry.Telemetry) *InstrumentedResolver {
	return &InstrumentedResolver{resolver: resolver, telemetry: tel}
}

func (r *InstrumentedResolver) ResolveKey(source string) (string, error) {
	return r.resolver.ResolveKey(source)
}

func (r *InstrumentedResolver) DisplayName(source string) string {
	return r.resolver.DisplayName(source)
}

// Fetch downloads a sound with telemetry.
func (r *InstrumentedResolver) Fetch(ctx context.Context, source, destDir string) (string, error) {
	var path string

	err := r.telemetry.InstrumentFetch(ctx, func(ctx context.Context) error {
		var err error

		path, err = r.resolver.Fetch(ctx, source, destDir)

		return err
	})
	if err != nil {
		return "", err
	}

	return path, nil
}
