package nn

// Tiled backend block geometry. Padded channel counts are rounded up to the
// tile size and again to the vector width, so the inner GEMM loops run at
// fixed width with no remainder handling.
const (
	tileM    = 8
	tileK    = 8
	vecWidth = 4
)

// tiledEngine is the accelerated backend. It consumes zero-padded
// Winograd-domain filters and runs register-blocked tile multiplies, with
// batch norm, residual add and rectification fused into the output
// transform. Numerically it must be interchangeable with plainEngine; the
// self-check holds it to that.
type tiledEngine struct {
	params *NetworkParameters
	towerU [][]float32 // Winograd-domain tower filters, zero-padded
	mPad   int         // padded tower width
	kPadIn int         // padded input-channel count of the input convolution
}

func newTiledEngine(p *NetworkParameters, towerU [][]float32) *tiledEngine {
	mPad := ceilMultiple(ceilMultiple(p.Channels, tileM), vecWidth)
	kPadIn := ceilMultiple(ceilMultiple(p.InputChannels(), tileK), vecWidth)

	padded := make([][]float32, len(towerU))
	padded[0] = zeroPadU(towerU[0], p.Channels, p.InputChannels(), mPad, kPadIn)
	for i := 1; i < len(towerU); i++ {
		padded[i] = zeroPadU(towerU[i], p.Channels, p.Channels, mPad, mPad)
	}
	return &tiledEngine{params: p, towerU: padded, mPad: mPad, kPadIn: kPadIn}
}

func (e *tiledEngine) forward(input, policy, value []float32) {
	p := e.params
	channels := p.Channels
	cPadMax := max(e.mPad, e.kPadIn)

	v := make([]float32, winogradTile*cPadMax*numTiles)
	m := make([]float32, winogradTile*e.mPad*numTiles)
	convOut := make([]float32, channels*numSquares)
	convIn := make([]float32, channels*numSquares)
	res := make([]float32, channels*numSquares)

	e.convolve3(input, p.InputChannels(), e.kPadIn, e.towerU[0], v, m, convOut, &p.TowerConvs[0], nil)

	for i := 1; i < len(e.towerU); i += 2 {
		convOut, convIn = convIn, convOut
		copy(res, convIn)
		e.convolve3(convIn, channels, e.mPad, e.towerU[i], v, m, convOut, &p.TowerConvs[i], nil)

		convOut, convIn = convIn, convOut
		e.convolve3(convIn, channels, e.mPad, e.towerU[i+1], v, m, convOut, &p.TowerConvs[i+1], res)
	}

	policyData := make([]float32, policyPlanes*numSquares)
	valueData := make([]float32, valuePlanes*numSquares)
	conv1x1BN(policyPlanes, channels, convOut, p.PolicyConv.Weights,
		p.PolicyConv.BNMean, p.PolicyConv.BNInvStdDev, policyData)
	conv1x1BN(valuePlanes, channels, convOut, p.ValueConv.Weights,
		p.ValueConv.BNMean, p.ValueConv.BNInvStdDev, valueData)

	denseBlocked(policyData, p.PolicyProjW, p.PolicyProjB, policy, false)
	denseBlocked(valueData, p.ValueProj1W, p.ValueProj1B, value, true)
}

func (e *tiledEngine) convolve3(in []float32, channels, cPad int, u, v, m, out []float32,
	layer *ConvLayer, residual []float32) {
	transformInPadded(in, v, channels, cPad)
	gemmTiles(u, v, m, cPad, e.mPad)
	transformOutFused(m, out, e.params.Channels, e.mPad, layer.BNMean, layer.BNInvStdDev, residual)
}

// transformInPadded writes the Winograd input transform into V with the
// padded channel stride [4][4][cPad][tiles]; the padding rows are cleared
// because V is reused between convolutions of one forward pass.
func transformInPadded(in, v []float32, channels, cPad int) {
	for ch := 0; ch < channels; ch++ {
		for blockY := 0; blockY < wtiles; blockY++ {
			for blockX := 0; blockX < wtiles; blockX++ {
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
						v[(i*winogradAlpha+j)*cPad*numTiles+offset] = t2[i][j]
					}
				}
			}
		}
	}
	for ch := channels; ch < cPad; ch++ {
		for b := 0; b < winogradTile; b++ {
			row := v[b*cPad*numTiles+ch*numTiles:]
			for t := 0; t < numTiles; t++ {
				row[t] = 0
			}
		}
	}
}

// gemmTiles multiplies the 16 tile matrices over padded dimensions,
// producing vecWidth output rows per pass of the input channels.
// U is [16][cPad][kPad], V is [16][cPad][tiles], M is [16][kPad][tiles].
func gemmTiles(u, v, m []float32, cPad, kPad int) {
	for b := 0; b < winogradTile; b++ {
		ub := u[b*cPad*kPad:]
		vb := v[b*cPad*numTiles:]
		mb := m[b*kPad*numTiles:]
		for k := 0; k < kPad; k += vecWidth {
			var acc [vecWidth][numTiles]float32
			for c := 0; c < cPad; c++ {
				urow := ub[c*kPad+k : c*kPad+k+vecWidth]
				vrow := vb[c*numTiles : c*numTiles+numTiles]
				for t := 0; t < numTiles; t++ {
					x := vrow[t]
					acc[0][t] += urow[0] * x
					acc[1][t] += urow[1] * x
					acc[2][t] += urow[2] * x
					acc[3][t] += urow[3] * x
				}
			}
			for l := 0; l < vecWidth; l++ {
				copy(mb[(k+l)*numTiles:(k+l+1)*numTiles], acc[l][:])
			}
		}
	}
}

// transformOutFused applies the Winograd output transform and the layer's
// batch norm, optional residual add and rectification in one pass. M rows
// beyond the real output count are padding and are skipped.
func transformOutFused(m, y []float32, outputs, kPad int, means, invStdDevs, residual []float32) {
	for k := 0; k < outputs; k++ {
		mean := means[k]
		scale := invStdDevs[k]
		for blockY := 0; blockY < wtiles; blockY++ {
			for blockX := 0; blockX < wtiles; blockX++ {
				b := blockY*wtiles + blockX
				var tm [winogradTile]float32
				for xi := 0; xi < winogradAlpha; xi++ {
					for nu := 0; nu < winogradAlpha; nu++ {
						tm[xi*winogradAlpha+nu] = m[xi*(winogradAlpha*kPad*numTiles)+nu*(kPad*numTiles)+k*numTiles+b]
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

				base := k*numSquares + 2*blockY*boardWidth + 2*blockX
				if residual != nil {
					rbase := residual[k*numSquares+2*blockY*boardWidth+2*blockX:]
					y[base] = relu(rbase[0] + scale*(o11-mean))
					y[base+1] = relu(rbase[1] + scale*(o12-mean))
					y[base+boardWidth] = relu(rbase[boardWidth] + scale*(o21-mean))
					y[base+boardWidth+1] = relu(rbase[boardWidth+1] + scale*(o22-mean))
				} else {
					y[base] = relu(scale * (o11 - mean))
					y[base+1] = relu(scale * (o12 - mean))
					y[base+boardWidth] = relu(scale * (o21 - mean))
					y[base+boardWidth+1] = relu(scale * (o22 - mean))
				}
			}
		}
	}
}

// conv1x1BN is the tiled backend's head convolution: a dense multiply over
// board positions with the head batch norm applied at the write.
func conv1x1BN(outputs, channels int, input, weights, means, invStdDevs, output []float32) {
	for o := 0; o < outputs; o++ {
		w := weights[o*channels : (o+1)*channels]
		out := output[o*numSquares : (o+1)*numSquares]
		mean := means[o]
		scale := invStdDevs[o]
		for sq := 0; sq < numSquares; sq++ {
			var acc float32
			for c := 0; c < channels; c++ {
				acc += w[c] * input[c*numSquares+sq]
			}
			out[sq] = relu(scale * (acc - mean))
		}
	}
}

// denseBlocked is a fully-connected projection with a four-way unrolled
// accumulation over the input vector.
func denseBlocked(input, weights, bias, output []float32, rectify bool) {
	inputs := len(input)
	for o := range output {
		w := weights[o*inputs : (o+1)*inputs]
		var s0, s1, s2, s3 float32
		i := 0
		for ; i+vecWidth <= inputs; i += vecWidth {
			s0 += w[i] * input[i]
			s1 += w[i+1] * input[i+1]
			s2 += w[i+2] * input[i+2]
			s3 += w[i+3] * input[i+3]
		}
		acc := bias[o] + s0 + s1 + s2 + s3
		for ; i < inputs; i++ {
			acc += w[i] * input[i]
		}
		if rectify {
			acc = relu(acc)
		}
		output[o] = acc
	}
}
