// Package pipelines declares the pipelines a process uses and registers them
// on the queue backend exactly once across every process sharing it.
package pipelines

import (
	"github.com/drblury/courier/internal/runtime/queue"
)

// Definition describes one pipeline.
type Definition interface {
	Info() queue.Descriptor
	// ShouldConsume reports whether this process consumes from the pipeline;
	// when false the pipeline is paused after registration.
	ShouldConsume() bool
	// ShouldBeUsed reports whether the pipeline is registered at all.
	ShouldBeUsed() bool
}

// Static is a Definition with fixed values.
type Static struct {
	Descriptor queue.Descriptor
	Consume    bool
	Disabled   bool
}

// NewStatic returns a consumed pipeline named name on driver.
func NewStatic(name, driver string) Static {
	return Static{Descriptor: queue.Descriptor{Name: name, Driver: driver}, Consume: true}
}

func (s Static) Info() queue.Descriptor { return s.Descriptor }
func (s Static) ShouldConsume() bool    { return s.Consume }
func (s Static) ShouldBeUsed() bool     { return !s.Disabled }

// Config pairs a pipeline with the aliases that resolve to it.
type Config struct {
	Pipeline Definition
	Aliases  []string
}

// Provider collects pipeline configs during startup.
type Provider struct {
	configs []Config
}

// NewProvider returns a provider holding configs.
func NewProvider(configs ...Config) *Provider {
	return &Provider{configs: append([]Config(nil), configs...)}
}

// Add appends a pipeline and its aliases.
func (p *Provider) Add(def Definition, aliases ...string) {
	p.configs = append(p.configs, Config{Pipeline: def, Aliases: aliases})
}

// Configs returns every config in registration order.
func (p *Provider) Configs() []Config {
	return append([]Config(nil), p.configs...)
}

// Aliases is a frozen alias table mapping aliases to canonical pipeline names.
type Aliases map[string]string

// Resolve returns the canonical name for name, or name itself.
func (a Aliases) Resolve(name string) string {
	if canonical, ok := a[name]; ok {
		return canonical
	}
	return name
}
