package config

import (
	"fmt"

	"github.com/a-essam23/go-collab/pkg/pipeline"
)

type ModifierFuncProvider func(name string) (pipeline.ModifierFunc, bool)

// DefaultEvents guards the mutating envelope types with permissions.
func DefaultEvents() map[string]EventConfig {
	requires := func(perm string) EventConfig {
		return EventConfig{Modifiers: []ModifierConfig{{Name: "requires", Params: []string{perm}}}}
	}
	return map[string]EventConfig{
		"subscribe":        requires("read"),
		"publish":          requires("write"),
		"operation.submit": requires("write"),
		"lock.acquire":     requires("lock"),
		"lock.release":     requires("lock"),
	}
}

// CompilePipelines resolves every configured modifier name into a step.
func CompilePipelines(cfg *Config, provider ModifierFuncProvider) error {
	cfg.Pipelines = make(map[string][]pipeline.Step)
	for eventName, eventCfg := range cfg.Events {
		pipe := make([]pipeline.Step, 0, len(eventCfg.Modifiers))
		for _, modCfg := range eventCfg.Modifiers {
			// look up the Go function for this modifier name.
			fn, ok := provider(modCfg.Name)
			if !ok {
				return fmt.Errorf("unknown modifier '%s' in event '%s'", modCfg.Name, eventName)
			}
			pipe = append(pipe, pipeline.Step{
				Name:     modCfg.Name,
				Function: fn,
				Params:   modCfg.Params,
			})
		}
		cfg.Pipelines[eventName] = pipe
	}
	return nil
}
