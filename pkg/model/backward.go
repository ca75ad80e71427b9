package model

import "math"

// ForwardCache records the activations of one forward pass so the
// backward pass can recompute gradients without re-running the network.
type ForwardCache struct {
	tokenIDs     []int
	blockCaches  []*blockCache
	lnFinalInput *Tensor
	lnFinalOut   *Tensor
}

type blockCache struct {
	input     *Tensor
	attnCache *attentionCache
	afterAttn *Tensor
	ffCache   *ffCache
}

type attentionCache struct {
	input       *Tensor
	q, k, v     *Tensor
	headWeights []*Tensor
	context     *Tensor
}

type ffCache struct {
	input         *Tensor
	preActivation *Tensor
	hidden        *Tensor
}

// matMulBackward returns the gradients of C = A@B with respect to A and B.
// gradA = gradC @ B^T, gradB = A^T @ gradC.
func matMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// softmaxBackward propagates through a row-wise softmax whose output
// was y: gradX_i = y_i * (gradY_i - sum_j gradY_j * y_j).
func softmaxBackward(y, gradY *Tensor) *Tensor {
	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		dot := 0.0
		for j := 0; j < cols; j++ {
			dot += gradY.At(i, j) * y.At(i, j)
		}
		for j := 0; j < cols; j++ {
			gradX.Set(y.At(i, j)*(gradY.At(i, j)-dot), i, j)
		}
	}

	return gradX
}

// geluBackward propagates through GELU given the pre-activation input.
func geluBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	c := math.Sqrt(2.0 / math.Pi)

	for i, v := range x.data {
		inner := c * (v + 0.044715*v*v*v)
		tanhInner := math.Tanh(inner)
		sech2 := 1.0 - tanhInner*tanhInner
		dInner := c * (1.0 + 3.0*0.044715*v*v)
		deriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*dInner
		gradX.data[i] = gradY.data[i] * deriv
	}

	return gradX
}

// backward propagates through layer norm, accumulating gamma/beta
// gradients, and returns the gradient with respect to the input.
func (ln *layerNorm) backward(x, gradY *Tensor) *Tensor {
	seqLen, features := x.shape[0], x.shape[1]
	n := float64(features)
	gradX := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= n

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= n
		std := math.Sqrt(variance + ln.eps)

		sumGradNorm := 0.0
		sumGradNormXhat := 0.0
		for j := 0; j < features; j++ {
			xhat := (x.At(i, j) - mean) / std
			gradNorm := gradY.At(i, j) * ln.gamma.data[j]
			sumGradNorm += gradNorm
			sumGradNormXhat += gradNorm * xhat

			ln.gamma.grad[j] += gradY.At(i, j) * xhat
			ln.beta.grad[j] += gradY.At(i, j)
		}

		for j := 0; j < features; j++ {
			xhat := (x.At(i, j) - mean) / std
			gradNorm := gradY.At(i, j) * ln.gamma.data[j]
			gradX.Set((gradNorm-sumGradNorm/n-xhat*sumGradNormXhat/n)/std, i, j)
		}
	}

	return gradX
}

// backward propagates through the feed-forward sublayer, accumulating
// weight gradients, and returns the gradient with respect to the input.
func (ff *feedForward) backward(gradOut *Tensor, cache *ffCache) *Tensor {
	gradHidden, gradW2 := matMulBackward(cache.hidden, ff.w2, gradOut)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, gradOut)

	gradPre := geluBackward(cache.preActivation, gradHidden)

	gradInput, gradW1 := matMulBackward(cache.input, ff.w1, gradPre)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradPre)

	return gradInput
}

func accumulateBiasGrad(bias, grad *Tensor) {
	rows, cols := grad.shape[0], grad.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			bias.grad[j] += grad.At(i, j)
		}
	}
}

// backward propagates through multi-head attention, accumulating the
// projection gradients, and returns the gradient with respect to the
// normalized input.
func (a *attention) backward(gradOut *Tensor, cache *attentionCache) *Tensor {
	seqLen := gradOut.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	gradContext, gradWo := matMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(seqLen, a.embedDim)
	gradK := NewTensor(seqLen, a.embedDim)
	gradV := NewTensor(seqLen, a.embedDim)

	for h := 0; h < a.numHeads; h++ {
		weights := cache.headWeights[h]
		qh := sliceHead(cache.q, h, a.headDim)
		kh := sliceHead(cache.k, h, a.headDim)
		vh := sliceHead(cache.v, h, a.headDim)
		gradCtxH := sliceHead(gradContext, h, a.headDim)

		gradWeights, gradVh := matMulBackward(weights, vh, gradCtxH)

		gradScores := Scale(softmaxBackward(weights, gradWeights), scale)

		gradQh := MatMul(gradScores, kh)
		gradKh := MatMul(Transpose(gradScores), qh)

		scatterHead(gradQ, gradQh, h, a.headDim)
		scatterHead(gradK, gradKh, h, a.headDim)
		scatterHead(gradV, gradVh, h, a.headDim)
	}

	gradInQ, gradWq := matMulBackward(cache.input, a.wq, gradQ)
	gradInK, gradWk := matMulBackward(cache.input, a.wk, gradK)
	gradInV, gradWv := matMulBackward(cache.input, a.wv, gradV)

	a.wq.AccumulateGrad(gradWq)
	a.wk.AccumulateGrad(gradWk)
	a.wv.AccumulateGrad(gradWv)

	gradInput := Add(Add(gradInQ, gradInK), gradInV)
	return gradInput
}

// Backward propagates gradLogits through the whole network, accumulating
// gradients on every parameter tensor.
func (m *CausalLM) Backward(gradLogits *Tensor, cache *ForwardCache) {
	gradLnOut, gradHead := matMulBackward(cache.lnFinalOut, m.lmHead, gradLogits)
	m.lmHead.AccumulateGrad(gradHead)

	gradX := m.lnFinal.backward(cache.lnFinalInput, gradLnOut)

	for layer := m.config.NumLayers - 1; layer >= 0; layer-- {
		blk := m.blocks[layer]
		bc := cache.blockCaches[layer]

		// x_out = x1 + ff(ln2(x1))
		gradN2 := blk.ff.backward(gradX, bc.ffCache)
		gradX1 := Add(gradX, blk.ln2.backward(bc.afterAttn, gradN2))

		// x1 = x0 + attn(ln1(x0))
		gradN1 := blk.attn.backward(gradX1, bc.attnCache)
		gradX = Add(gradX1, blk.ln1.backward(bc.input, gradN1))
	}

	embedDim := m.config.EmbedDim
	for i, tokenID := range cache.tokenIDs {
		for d := 0; d < embedDim; d++ {
			g := gradX.At(i, d)
			m.tokenEmbed.grad[tokenID*embedDim+d] += g
			m.posEmbed.grad[i*embedDim+d] += g
		}
	}
}

// CrossEntropyLoss computes the mean negative log-likelihood of targets
// under logits (seqLen, vocabSize). Positions with target -100 are
// ignored, matching the padding convention of the trainer.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	seqLen, vocabSize := logits.shape[0], logits.shape[1]

	total := 0.0
	counted := 0
	for i := 0; i < seqLen; i++ {
		if targets[i] == IgnoreIndex {
			continue
		}

		maxLogit := logits.At(i, 0)
		for v := 1; v < vocabSize; v++ {
			if l := logits.At(i, v); l > maxLogit {
				maxLogit = l
			}
		}

		sumExp := 0.0
		for v := 0; v < vocabSize; v++ {
			sumExp += math.Exp(logits.At(i, v) - maxLogit)
		}

		total += math.Log(sumExp) - (logits.At(i, targets[i]) - maxLogit)
		counted++
	}

	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

// IgnoreIndex marks target positions excluded from the loss.
const IgnoreIndex = -100

// CrossEntropyBackward returns dLoss/dLogits for the mean cross-entropy
// loss: softmax(logits) minus the one-hot target, scaled by the number
// of counted positions.
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	seqLen, vocabSize := logits.shape[0], logits.shape[1]
	grad := NewTensor(seqLen, vocabSize)

	counted := 0
	for i := 0; i < seqLen; i++ {
		if targets[i] != IgnoreIndex {
			counted++
		}
	}
	if counted == 0 {
		return grad
	}
	norm := 1.0 / float64(counted)

	for i := 0; i < seqLen; i++ {
		if targets[i] == IgnoreIndex {
			continue
		}

		maxLogit := logits.At(i, 0)
		for v := 1; v < vocabSize; v++ {
			if l := logits.At(i, v); l > maxLogit {
				maxLogit = l
			}
		}

		sumExp := 0.0
		for v := 0; v < vocabSize; v++ {
			sumExp += math.Exp(logits.At(i, v) - maxLogit)
		}

		for v := 0; v < vocabSize; v++ {
			p := math.Exp(logits.At(i, v)-maxLogit) / sumExp
			if v == targets[i] {
				p -= 1.0
			}
			grad.Set(p*norm, i, v)
		}
	}

	return grad
}
