package scheduler

import (
	"fmt"
	"math"
)

// finishEmbedding completes an embedding job whose input finished decoding
// this tick: extract either the pooled sequence embedding or the final
// token's embedding, optionally L2-normalize, and publish the vector with
// the terminal state. Runs on the scheduler goroutine, like every other
// read of the decode context.
//
// Embedding jobs ride the same prefill packing as completions, so several
// of them land in one shared batch, each on its own slot with logits
// requested at its final token; they simply never enter the generation
// phase.
func (s *Scheduler) finishEmbedding(j *Job, iBatch int) {
	var vec []float32
	var err error
	if j.EmbedPooled {
		vec, err = s.ctx.GetEmbeddingsSeq(j.slotID)
	} else {
		vec, err = s.ctx.GetEmbeddingsIth(iBatch)
	}
	if err != nil {
		s.finish(j, StateFailed, fmt.Errorf("scheduler: embedding extract: %w", err))
		return
	}
	if j.EmbedNormalize {
		l2Normalize(vec)
	}
	j.publish(func(sn *Snapshot) { sn.Embedding = vec })
	s.finish(j, StateCompleted, nil)
}

func l2Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
