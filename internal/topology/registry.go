package topology

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

type fileFormat struct {
	Queues []QueueBinding `yaml:"queues"`
}

// LoadFile reads bindings from a YAML document of the form
//
//	queues:
//	  - queue_name: cad_generation
//	    exchange: jobcore.jobs
//	    ...
//
// and fills unset max_attempts with defaultMaxAttempts.
func LoadFile(path string, defaultMaxAttempts int) ([]QueueBinding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return Parse(data, defaultMaxAttempts)
}

// Parse decodes a topology document. Unknown keys are rejected.
func Parse(data []byte, defaultMaxAttempts int) ([]QueueBinding, error) {
	var doc fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode topology file")
	}
	return ApplyDefaults(doc.Queues, defaultMaxAttempts), nil
}

// Registry is the validated, read-only view of the topology.
type Registry struct {
	bindings []QueueBinding
	byName   map[string]QueueBinding
}

// NewRegistry validates bindings and indexes them by queue name.
func NewRegistry(bindings []QueueBinding) (*Registry, error) {
	if err := Validate(bindings); err != nil {
		return nil, err
	}
	r := &Registry{
		bindings: make([]QueueBinding, len(bindings)),
		byName:   make(map[string]QueueBinding, len(bindings)),
	}
	copy(r.bindings, bindings)
	for _, b := range bindings {
		r.byName[b.QueueName] = b
	}
	return r, nil
}

// Lookup returns the binding for queueName.
func (r *Registry) Lookup(queueName string) (QueueBinding, error) {
	b, ok := r.byName[queueName]
	if !ok {
		return QueueBinding{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown queue").
			WithDetails(map[string]any{"queue_name": queueName})
	}
	return b, nil
}

// Bindings returns a copy of all bindings in configuration order.
func (r *Registry) Bindings() []QueueBinding {
	out := make([]QueueBinding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

func (r *Registry) Has(queueName string) bool {
	_, ok := r.byName[queueName]
	return ok
}

// Load reads the topology file at path, or returns the built-in bindings when
// path is empty.
func Load(path string, defaultMaxAttempts int) ([]QueueBinding, error) {
	if path == "" {
		return DefaultBindings(defaultMaxAttempts), nil
	}
	return LoadFile(path, defaultMaxAttempts)
}
