package sim

import "github.com/banshee-data/scenegrid/internal/capability"

// NewBackend returns a fresh simulated trainer, renderer and scorer.
func NewBackend() capability.Backend {
	return capability.Backend{
		Name:     "sim",
		Trainer:  NewTrainer(),
		Renderer: NewRenderer(),
		Scorer:   Scorer{},
	}
}
