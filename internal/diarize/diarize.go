// Package diarize assigns speech segments to speaker identities by online
// clustering of speaker embeddings.
//
// A [Clusterer] keeps one cluster per speaker. Each new embedding is compared
// by cosine similarity against every centroid; the best cluster wins when its
// similarity exceeds the threshold, otherwise a new speaker is created with
// the next sequential id. A winning cluster's centroid is recomputed from
// scratch as the mean of all member embeddings. Assignments are never
// revisited.
//
// A Clusterer is not safe for concurrent use. Use one per recording.
package diarize

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// DefaultThreshold is the cosine similarity a segment must exceed to join an
// existing speaker.
const DefaultThreshold = 0.80

// ErrDimensionMismatch is returned when an embedding's length differs from
// the length of the first embedding the clusterer saw.
var ErrDimensionMismatch = errors.New("diarize: embedding dimension mismatch")

// Cluster is one speaker identity.
type Cluster struct {
	ID       int
	Centroid []float32
	Members  []Member
}

// Member is a segment assigned to a cluster together with its embedding.
type Member struct {
	Segment   audio.Segment
	Embedding []float32
}

// Clusterer performs online speaker clustering for one recording.
type Clusterer struct {
	threshold float64
	dims      int
	clusters  []*Cluster
}

// New creates a Clusterer. threshold must be in [-1, 1].
func New(threshold float64) (*Clusterer, error) {
	if threshold < -1 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("diarize: threshold %g outside [-1, 1]", threshold)
	}
	return &Clusterer{threshold: threshold}, nil
}

// Assign returns the speaker id for seg. The embedding is copied.
func (c *Clusterer) Assign(seg audio.Segment, emb []float32) (int, error) {
	if len(emb) == 0 {
		return 0, fmt.Errorf("%w: empty embedding", ErrDimensionMismatch)
	}
	if c.dims == 0 {
		c.dims = len(emb)
	} else if len(emb) != c.dims {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), c.dims)
	}
	member := Member{Segment: seg, Embedding: append([]float32(nil), emb...)}

	best, bestSim := -1, math.Inf(-1)
	for i, cl := range c.clusters {
		if sim := Cosine(emb, cl.Centroid); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best >= 0 && bestSim > c.threshold {
		cl := c.clusters[best]
		cl.Members = append(cl.Members, member)
		cl.Centroid = centroid(cl.Members)
		return cl.ID, nil
	}

	cl := &Cluster{
		ID:       len(c.clusters),
		Centroid: append([]float32(nil), emb...),
		Members:  []Member{member},
	}
	c.clusters = append(c.clusters, cl)
	return cl.ID, nil
}

// Clusters returns the clusters formed so far, ordered by id.
func (c *Clusterer) Clusters() []Cluster {
	out := make([]Cluster, len(c.clusters))
	for i, cl := range c.clusters {
		out[i] = *cl
	}
	return out
}

// Len returns the number of speakers found so far.
func (c *Clusterer) Len() int { return len(c.clusters) }

// Cosine returns dot(a, b) / (|a| * |b|), or 0 when either norm is zero or
// the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func centroid(members []Member) []float32 {
	sum := make([]float64, len(members[0].Embedding))
	for _, m := range members {
		for i, v := range m.Embedding {
			sum[i] += float64(v)
		}
	}
	out := make([]float32, len(sum))
	for i, v := range sum {
		out[i] = float32(v / float64(len(members)))
	}
	return out
}
