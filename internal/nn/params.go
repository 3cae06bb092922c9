// Package nn implements the convolutional policy/value network evaluator:
// weight-file loading, Winograd-domain convolution, two interchangeable
// forward-pass backends and an online self-check arbitrating between them.
package nn

const (
	boardWidth  = 8
	boardHeight = 8
	numSquares  = boardWidth * boardHeight

	// MaxFormatVersion is the newest weight-file format this engine reads.
	MaxFormatVersion = 2

	v1InputChannels = 120
	v2InputChannels = 112

	v1PolicyOutputs = 1924
	v2PolicyOutputs = 1858

	policyPlanes = 32
	valuePlanes  = 32
	valueHidden  = 128

	// batchNormEpsilon is the variance term added before inversion when the
	// raw batch-norm variances are converted to inverse stddevs at load time.
	// The tower and both heads share this one constant.
	batchNormEpsilon = 1e-5
)

// ConvLayer holds one convolution with its paired batch normalization.
// After LoadNetwork returns, Bias is all zeros: it has been folded into
// BNMean so the forward pass never adds a separate bias term.
type ConvLayer struct {
	Weights     []float32 // [outputs][inputs][3][3] flat, or [outputs][inputs] for 1x1
	Bias        []float32
	BNMean      []float32
	BNInvStdDev []float32 // 1/sqrt(rawVariance + batchNormEpsilon), computed once
}

// Outputs returns the layer's output channel count, encoded by the bias length.
func (l *ConvLayer) Outputs() int {
	return len(l.Bias)
}

// NetworkParameters is the full parsed parameter set of one network.
// It is immutable after LoadNetwork and may be read concurrently.
type NetworkParameters struct {
	FormatVersion  int
	Channels       int // residual tower width, uniform across the tower
	ResidualBlocks int

	// TowerConvs[0] is the input convolution, followed by two convolutions
	// per residual block.
	TowerConvs []ConvLayer

	// Head convolutions are 1x1; their BN fields hold the head batch norms.
	PolicyConv ConvLayer
	ValueConv  ConvLayer

	PolicyProjW []float32 // [policyOutputs][policyPlanes*64] flat
	PolicyProjB []float32
	ValueProj1W []float32 // [valueHidden][valuePlanes*64] flat
	ValueProj1B []float32
	ValueProj2W []float32 // [1][valueHidden] flat
	ValueProj2B []float32
}

// InputChannels returns the input plane count expected by the format version.
func (p *NetworkParameters) InputChannels() int {
	if p.FormatVersion == 1 {
		return v1InputChannels
	}
	return v2InputChannels
}

// PolicyOutputs returns the policy output cardinality of the format version.
func (p *NetworkParameters) PolicyOutputs() int {
	if p.FormatVersion == 1 {
		return v1PolicyOutputs
	}
	return v2PolicyOutputs
}
