// Package batch turns a pool of training tiles into the per-step batches
// a network executor consumes.
package batch

import (
	"golang.org/x/exp/rand"

	"denoiseg/internal/models"
)

// Pool is a fixed arena of training pairs addressed through an index
// order. Shuffling permutes the order, never the pairs.
type Pool struct {
	pairs []models.TrainingPair
	order []int
}

// NewPool creates a pool over a copy of pairs in their given order
func NewPool(pairs []models.TrainingPair) *Pool {
	p := &Pool{
		pairs: append([]models.TrainingPair{}, pairs...),
		order: make([]int, len(pairs)),
	}
	for i := range p.order {
		p.order[i] = i
	}
	return p
}

// Len returns the number of pairs
func (p *Pool) Len() int { return len(p.pairs) }

// At returns the i-th pair in the current order
func (p *Pool) At(i int) models.TrainingPair {
	return p.pairs[p.order[i]]
}

// Shuffle permutes the order
func (p *Pool) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(p.order), func(i, j int) {
		p.order[i], p.order[j] = p.order[j], p.order[i]
	})
}
