package nn

import "math"

// plainEngine is the portable reference backend. Its output defines the
// numeric semantics the tiled backend must reproduce: Winograd-domain 3x3
// convolutions via per-tile matrix multiplies, bias-free batch norm with
// ReLU, dense 1x1 head convolutions and fully-connected projections, all in
// single precision.
type plainEngine struct {
	params *NetworkParameters
	towerU [][]float32 // Winograd-domain tower filters, unpadded
}

func newPlainEngine(p *NetworkParameters, towerU [][]float32) *plainEngine {
	return &plainEngine{params: p, towerU: towerU}
}

// forward fills policy with raw logits and value with the value head's
// hidden activations. All scratch tensors are local to the call, so
// concurrent invocations never share state.
func (e *plainEngine) forward(input, policy, value []float32) {
	p := e.params
	channels := p.Channels
	// The input convolution can be wider on the input side than the tower.
	inputChannels := max(channels, p.InputChannels())

	v := make([]float32, winogradTile*inputChannels*numTiles)
	m := make([]float32, winogradTile*channels*numTiles)
	convOut := make([]float32, channels*numSquares)
	convIn := make([]float32, channels*numSquares)
	res := make([]float32, channels*numSquares)

	winogradConvolve3(channels, input, e.towerU[0], v, m, convOut)
	batchNorm(channels, numSquares, convOut, p.TowerConvs[0].BNMean, p.TowerConvs[0].BNInvStdDev, nil)

	for i := 1; i < len(e.towerU); i += 2 {
		convOut, convIn = convIn, convOut
		copy(res, convIn)
		winogradConvolve3(channels, convIn, e.towerU[i], v, m, convOut)
		batchNorm(channels, numSquares, convOut, p.TowerConvs[i].BNMean, p.TowerConvs[i].BNInvStdDev, nil)

		convOut, convIn = convIn, convOut
		winogradConvolve3(channels, convIn, e.towerU[i+1], v, m, convOut)
		batchNorm(channels, numSquares, convOut, p.TowerConvs[i+1].BNMean, p.TowerConvs[i+1].BNInvStdDev, res)
	}

	policyData := make([]float32, policyPlanes*numSquares)
	valueData := make([]float32, valuePlanes*numSquares)
	convolve1x1(policyPlanes, channels, convOut, p.PolicyConv.Weights, p.PolicyConv.Bias, policyData)
	convolve1x1(valuePlanes, channels, convOut, p.ValueConv.Weights, p.ValueConv.Bias, valueData)
	batchNorm(policyPlanes, numSquares, policyData, p.PolicyConv.BNMean, p.PolicyConv.BNInvStdDev, nil)
	batchNorm(valuePlanes, numSquares, valueData, p.ValueConv.BNMean, p.ValueConv.BNInvStdDev, nil)

	innerProduct(policyData, p.PolicyProjW, p.PolicyProjB, policy, false)
	innerProduct(valueData, p.ValueProj1W, p.ValueProj1B, value, true)
}

// winogradConvolve3 runs one 3x3 convolution over the board in the Winograd
// domain: transform the input, multiply per tile, transform back.
func winogradConvolve3(outputs int, input, u, v, m, output []float32) {
	channels := len(u) / (outputs * winogradTile)
	winogradTransformIn(input, v, channels)
	winogradSgemm(u, v, m, channels, outputs)
	winogradTransformOut(m, output, outputs)
}

// winogradTransformIn computes V = B^T . x . B for every overlapping 4x4
// input tile, with
//
//	B = [[ 1,  0,  0,  0],
//	     [ 0,  1, -1,  1],
//	     [-1,  1,  1,  0],
//	     [ 0,  0,  0, -1]]
//
// V is laid out [4][4][channels][tiles] flat.
func winogradTransformIn(in, v []float32, channels int) {
	for ch := 0; ch < channels; ch++ {
		for blockY := 0; blockY < wtiles; blockY++ {
			for blockX := 0; blockX < wtiles; blockX++ {
				// Tiles overlap by 2; the border is zero padded.
				yin := 2*blockY - 1
				xin := 2*blockX - 1

				var x [winogradAlpha][winogradAlpha]float32
				for i := 0; i < winogradAlpha; i++ {
					for j := 0; j < winogradAlpha; j++ {
						if yin+i >= 0 && xin+j >= 0 && yin+i < boardHeight && xin+j < boardWidth {
							x[i][j] = in[ch*numSquares+(yin+i)*boardWidth+(xin+j)]
						}
					}
				}

				var t1, t2 [winogradAlpha][winogradAlpha]float32
				for j := 0; j < winogradAlpha; j++ {
					t1[0][j] = x[0][j] - x[2][j]
					t1[1][j] = x[1][j] + x[2][j]
					t1[2][j] = x[2][j] - x[1][j]
					t1[3][j] = x[1][j] - x[3][j]
				}
				for i := 0; i < winogradAlpha; i++ {
					t2[i][0] = t1[i][0] - t1[i][2]
					t2[i][1] = t1[i][1] + t1[i][2]
					t2[i][2] = t1[i][2] - t1[i][1]
					t2[i][3] = t1[i][1] - t1[i][3]
				}

				offset := ch*numTiles + blockY*wtiles + blockX
				for i := 0; i < winogradAlpha; i++ {
					for j := 0; j < winogradAlpha; j++ {
						v[(i*winogradAlpha+j)*channels*numTiles+offset] = t2[i][j]
					}
				}
			}
		}
	}
}

// winogradSgemm multiplies the 16 independent tile matrices: for each tile
// position b, M_b = U_b^T . V_b where U_b is channels x outputs.
func winogradSgemm(u, v, m []float32, channels, outputs int) {
	for b := 0; b < winogradTile; b++ {
		ub := u[b*outputs*channels:]
		vb := v[b*channels*numTiles:]
		mb := m[b*outputs*numTiles:]
		for o := 0; o < outputs; o++ {
			for t := 0; t < numTiles; t++ {
				var acc float32
				for c := 0; c < channels; c++ {
					acc += ub[c*outputs+o] * vb[c*numTiles+t]
				}
				mb[o*numTiles+t] = acc
			}
		}
	}
}

// winogradTransformOut computes Y = A^T . M . A per tile, with
//
//	A = [[1,  0],
//	     [1,  1],
//	     [1, -1],
//	     [0, -1]]
//
// writing each tile's 2x2 output block back into board layout.
func winogradTransformOut(m, y []float32, outputs int) {
	for k := 0; k < outputs; k++ {
		for blockX := 0; blockX < wtiles; blockX++ {
			for blockY := 0; blockY < wtiles; blockY++ {
				b := blockY*wtiles + blockX
				var tm [winogradTile]float32
				for xi := 0; xi < winogradAlpha; xi++ {
					for nu := 0; nu < winogradAlpha; nu++ {
						tm[xi*winogradAlpha+nu] = m[xi*(winogradAlpha*outputs*numTiles)+nu*(outputs*numTiles)+k*numTiles+b]
					}
				}

				o11 := tm[0*4+0] + tm[0*4+1] + tm[0*4+2] +
					tm[1*4+0] + tm[1*4+1] + tm[1*4+2] +
					tm[2*4+0] + tm[2*4+1] + tm[2*4+2]
				o12 := tm[0*4+1] - tm[0*4+2] - tm[0*4+3] +
					tm[1*4+1] - tm[1*4+2] - tm[1*4+3] +
					tm[2*4+1] - tm[2*4+2] - tm[2*4+3]
				o21 := tm[1*4+0] + tm[1*4+1] + tm[1*4+2] -
					tm[2*4+0] - tm[2*4+1] - tm[2*4+2] -
					tm[3*4+0] - tm[3*4+1] - tm[3*4+2]
				o22 := tm[1*4+1] - tm[1*4+2] - tm[1*4+3] -
					tm[2*4+1] + tm[2*4+2] + tm[2*4+3] -
					tm[3*4+1] + tm[3*4+2] + tm[3*4+3]

				x := 2 * blockX
				yy := 2 * blockY
				y[k*numSquares+yy*boardWidth+x] = o11
				y[k*numSquares+yy*boardWidth+x+1] = o12
				y[k*numSquares+(yy+1)*boardWidth+x] = o21
				y[k*numSquares+(yy+1)*boardWidth+x+1] = o22
			}
		}
	}
}

// batchNorm applies out = relu(invStdDev*(x-mean) [+ residual]) per channel.
// The bias term was folded into mean at load time.
func batchNorm(channels, spatial int, data, means, invStdDevs []float32, residual []float32) {
	for c := 0; c < channels; c++ {
		mean := means[c]
		scale := invStdDevs[c]
		arr := data[c*spatial : (c+1)*spatial]
		if residual == nil {
			for i, x := range arr {
				arr[i] = relu(scale * (x - mean))
			}
		} else {
			res := residual[c*spatial : (c+1)*spatial]
			for i, x := range arr {
				arr[i] = relu(res[i] + scale*(x-mean))
			}
		}
	}
}

// convolve1x1 is a dense matrix multiply over board positions; 1x1 kernels
// never go through the Winograd domain.
func convolve1x1(outputs, channels int, input, weights, bias, output []float32) {
	for o := 0; o < outputs; o++ {
		w := weights[o*channels : (o+1)*channels]
		out := output[o*numSquares : (o+1)*numSquares]
		for sq := 0; sq < numSquares; sq++ {
			acc := bias[o]
			for c := 0; c < channels; c++ {
				acc += w[c] * input[c*numSquares+sq]
			}
			out[sq] = acc
		}
	}
}

func innerProduct(input, weights, bias, output []float32, rectify bool) {
	inputs := len(input)
	for o := range output {
		acc := bias[o]
		w := weights[o*inputs : (o+1)*inputs]
		for i, x := range input {
			acc += w[i] * x
		}
		if rectify {
			acc = relu(acc)
		}
		output[o] = acc
	}
}

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
