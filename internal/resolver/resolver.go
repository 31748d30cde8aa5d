// Package resolver translates a decoded source event into the destination
// chain(s) an EventMapping's destination call should be relayed to, with
// static, event-parameter, and custom-function strategies.
package resolver

import (
	"errors"
	"fmt"

	"github.com/polymer-relayer/relayer-core/internal/config"
	"github.com/polymer-relayer/relayer-core/internal/errs"
	"github.com/polymer-relayer/relayer-core/internal/event"
)

// CustomFunc is the signature a custom resolver registers under a
// function_id. It receives the mapping being relayed, the decoded source
// event, and the source chain name, and returns zero or more destination
// chain names.
type CustomFunc func(mapping config.EventMapping, ev event.Decoded, sourceChain string) ([]string, error)

// Resolve applies spec to a decoded event and returns the ordered list of
// destination chain names the mapping's destination call should target. An
// empty result is not an error: the Listener logs a warning and creates no
// job for that event.
func Resolve(mapping config.EventMapping, spec config.ResolverSpec, ev event.Decoded, sourceChain string, customFns map[string]CustomFunc) ([]string, error) {
	switch spec.Kind {
	case config.ResolverStatic:
		if len(spec.Destinations) == 0 {
			return nil, fmt.Errorf("%w: static resolver has no destinations", errs.ErrResolver)
		}
		var dests []string
		for _, d := range spec.Destinations {
			if d == sourceChain {
				continue
			}
			dests = append(dests, d)
		}
		return dests, nil

	case config.ResolverEventParameter:
		arg, ok := ev.Args[spec.ParameterName]
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q not present in event %q", errs.ErrResolverParameterMissing, spec.ParameterName, ev.Name)
		}
		raw := arg.String()
		if spec.Mapping != nil {
			mapped, ok := spec.Mapping[raw]
			if !ok {
				return nil, fmt.Errorf("%w: no mapping entry for value %q of parameter %q", errs.ErrResolver, raw, spec.ParameterName)
			}
			return []string{mapped}, nil
		}
		return []string{raw}, nil

	case config.ResolverCustom:
		fn, ok := customFns[spec.FunctionID]
		if !ok {
			return nil, fmt.Errorf("%w: no custom resolver registered for function_id %q", errs.ErrResolver, spec.FunctionID)
		}
		dests, err := fn(mapping, ev, sourceChain)
		if err != nil {
			return nil, fmt.Errorf("%w: custom resolver %q: %v", errs.ErrResolver, spec.FunctionID, err)
		}
		return dests, nil

	default:
		return nil, fmt.Errorf("%w: unknown resolver kind %q", errs.ErrResolver, spec.Kind)
	}
}

// Registry holds startup-registered custom resolver implementations,
// indexed by the function_id a ResolverSpec's custom variant names.
type Registry struct {
	custom map[string]CustomFunc
}

// NewRegistry returns an empty custom resolver registry.
func NewRegistry() *Registry {
	return &Registry{custom: make(map[string]CustomFunc)}
}

// Register associates functionID with fn. Registering the same functionID
// twice is an error: custom resolvers are meant to be wired once at startup.
func (r *Registry) Register(functionID string, fn CustomFunc) error {
	if fn == nil {
		return fmt.Errorf("resolver: nil custom function for %q", functionID)
	}
	if _, exists := r.custom[functionID]; exists {
		return fmt.Errorf("resolver: custom function already registered for %q", functionID)
	}
	r.custom[functionID] = fn
	return nil
}

// Funcs returns the registered custom resolver map for use by Resolve.
func (r *Registry) Funcs() map[string]CustomFunc { return r.custom }

// MustResolveAll validates, at startup, that every resolver named by
// cfg.EventMappings exists in cfg.DestinationResolvers and that every
// ResolverCustom spec has a registered implementation. It aggregates every
// failure via errors.Join rather than stopping at the first one, so an
// operator sees the full list of misconfigurations in one run.
func (r *Registry) MustResolveAll(cfg *config.Config) error {
	var errList []error

	for _, mapping := range cfg.EventMappings {
		if !mapping.Enabled {
			continue
		}
		spec, ok := cfg.DestinationResolvers[mapping.DestinationResolver]
		if !ok {
			errList = append(errList, fmt.Errorf("mapping %q: no destination resolver named %q", mapping.Name, mapping.DestinationResolver))
			continue
		}
		if spec.Kind == config.ResolverCustom {
			if _, ok := r.custom[spec.FunctionID]; !ok {
				errList = append(errList, fmt.Errorf("mapping %q: resolver %q: no custom implementation registered for function_id %q", mapping.Name, mapping.DestinationResolver, spec.FunctionID))
			}
		}
	}

	return errors.Join(errList...)
}
