package wake

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
)

// Model scores how likely the most recent audio contains its wake word.
// Implementations keep their own rolling state and must not block.
type Model interface {
	Name() string
	Score(frame entities.AudioFrame) float64
	Reset()
}

// Factory builds a model from the wake configuration
type Factory func(cfg config.WakeConfig) (Model, error)

// Registry maps configured model names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in models
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("energy", func(cfg config.WakeConfig) (Model, error) {
		return NewEnergyModel("energy", 10, 0.2), nil
	})
	r.Register("envelope", func(cfg config.WakeConfig) (Model, error) {
		if cfg.TemplatePath == "" {
			return nil, errors.New("envelope model requires a template path")
		}
		return LoadEnvelopeModel(cfg.TemplatePath)
	})
	return r
}

// Register adds or replaces a factory
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names lists the registered model names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs every model named in cfg.Models
func (r *Registry) Build(cfg config.WakeConfig) ([]Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]Model, 0, len(cfg.Models))
	for _, name := range cfg.Models {
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown wake model %q", name)
		}
		m, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build wake model %q: %w", name, err)
		}
		models = append(models, m)
	}
	return models, nil
}

// EnergyModel scores the mean energy of a short window against a reference
// level. It fires on any sustained loud sound and is meant for bench setups.
type EnergyModel struct {
	name      string
	reference float64
	window    []float64
	next      int
	sum       float64
}

func NewEnergyModel(name string, windowFrames int, reference float64) *EnergyModel {
	if windowFrames <= 0 {
		windowFrames = 1
	}
	return &EnergyModel{
		name:      name,
		reference: reference,
		window:    make([]float64, windowFrames),
	}
}

func (m *EnergyModel) Name() string { return m.name }

func (m *EnergyModel) Score(frame entities.AudioFrame) float64 {
	e := frame.Energy()
	m.sum += e - m.window[m.next]
	m.window[m.next] = e
	m.next = (m.next + 1) % len(m.window)
	if m.reference <= 0 {
		return 0
	}
	return math.Min(1, (m.sum/float64(len(m.window)))/m.reference)
}

func (m *EnergyModel) Reset() {
	for i := range m.window {
		m.window[i] = 0
	}
	m.next, m.sum = 0, 0
}

// EnvelopeTemplate is the on-disk description of a keyword energy profile
type EnvelopeTemplate struct {
	Label    string    `json:"label"`
	Envelope []float64 `json:"envelope"`
	Floor    float64   `json:"floor"`
}

// EnvelopeModel correlates the recent per-frame energy envelope with a
// recorded keyword profile. The score is the Pearson correlation clipped
// to [0, 1]; windows quieter than the floor score zero.
type EnvelopeModel struct {
	label    string
	template []float64
	floor    float64
	recent   []float64
	next     int
	filled   int
}

// LoadEnvelopeModel reads an EnvelopeTemplate from a JSON file
func LoadEnvelopeModel(path string) (*EnvelopeModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var tmpl EnvelopeTemplate
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	return NewEnvelopeModel(tmpl)
}

func NewEnvelopeModel(tmpl EnvelopeTemplate) (*EnvelopeModel, error) {
	if len(tmpl.Envelope) < 2 {
		return nil, errors.New("template envelope needs at least two frames")
	}
	if tmpl.Label == "" {
		tmpl.Label = "envelope"
	}
	return &EnvelopeModel{
		label:    tmpl.Label,
		template: append([]float64(nil), tmpl.Envelope...),
		floor:    tmpl.Floor,
		recent:   make([]float64, len(tmpl.Envelope)),
	}, nil
}

func (m *EnvelopeModel) Name() string { return m.label }

func (m *EnvelopeModel) Score(frame entities.AudioFrame) float64 {
	m.recent[m.next] = frame.Energy()
	m.next = (m.next + 1) % len(m.recent)
	if m.filled < len(m.recent) {
		m.filled++
		if m.filled < len(m.recent) {
			return 0
		}
	}

	n := len(m.template)
	ordered := make([]float64, n)
	for i := 0; i < n; i++ {
		ordered[i] = m.recent[(m.next+i)%n]
	}
	if mean(ordered) < m.floor {
		return 0
	}
	return math.Max(0, correlation(ordered, m.template))
}

func (m *EnvelopeModel) Reset() {
	for i := range m.recent {
		m.recent[i] = 0
	}
	m.next, m.filled = 0, 0
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func correlation(a, b []float64) float64 {
	ma, mb := mean(a), mean(b)
	var num, da, db float64
	for i := range a {
		x, y := a[i]-ma, b[i]-mb
		num += x * y
		da += x * x
		db += y * y
	}
	// flat windows have no shape to compare
	if da < 1e-12 || db < 1e-12 {
		return 0
	}
	return num / math.Sqrt(da*db)
}
