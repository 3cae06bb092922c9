package nn

import "fmt"

// F(2x2,3x3) Winograd geometry: 3x3 kernels become 4x4 transformed tiles,
// the 8x8 board is covered by 4x4 overlapping input tiles of 16 positions.
const (
	winogradAlpha = 4
	winogradTile  = winogradAlpha * winogradAlpha
	wtiles        = boardWidth / 2
	numTiles      = wtiles * wtiles
)

// transformFilter computes U = G . f . G^T per (output, input) channel pair,
// with G = [[1,0,0],[.5,.5,.5],[.5,-.5,.5],[0,0,1]]. The result is laid out
// [4][4][channels][outputs] flat, channel-minor with outputs trailing, so a
// tile GEMM reads contiguous output vectors. That layout is load-bearing for
// the tiled backend; do not reorder it.
func transformFilter(f []float32, outputs, channels int) ([]float32, error) {
	if len(f) != outputs*channels*9 {
		return nil, fmt.Errorf("%w: convolution has %d weights, %dx%dx3x3 needs %d",
			ErrStructure, len(f), outputs, channels, outputs*channels*9)
	}
	g := [12]float32{
		1.0, 0.0, 0.0,
		0.5, 0.5, 0.5,
		0.5, -0.5, 0.5,
		0.0, 0.0, 1.0,
	}
	u := make([]float32, winogradTile*outputs*channels)
	var temp [12]float32

	for o := 0; o < outputs; o++ {
		for c := 0; c < channels; c++ {
			for i := 0; i < 4; i++ {
				for j := 0; j < 3; j++ {
					var acc float32
					for k := 0; k < 3; k++ {
						acc += g[i*3+k] * f[o*channels*9+c*9+k*3+j]
					}
					temp[i*3+j] = acc
				}
			}
			for xi := 0; xi < 4; xi++ {
				for nu := 0; nu < 4; nu++ {
					var acc float32
					for k := 0; k < 3; k++ {
						acc += temp[xi*3+k] * g[nu*3+k]
					}
					u[xi*(4*outputs*channels)+nu*(outputs*channels)+c*outputs+o] = acc
				}
			}
		}
	}
	return u, nil
}

// zeroPadU embeds a transformed filter into a zero-initialized tensor whose
// channel dimensions are rounded up to the tiled backend's block sizes.
func zeroPadU(u []float32, outputs, channels, outputsPad, channelsPad int) []float32 {
	padded := make([]float32, winogradTile*outputsPad*channelsPad)
	for o := 0; o < outputs; o++ {
		for c := 0; c < channels; c++ {
			for xi := 0; xi < winogradAlpha; xi++ {
				for nu := 0; nu < winogradAlpha; nu++ {
					padded[xi*(winogradAlpha*outputsPad*channelsPad)+
						nu*(outputsPad*channelsPad)+
						c*outputsPad+o] =
						u[xi*(winogradAlpha*outputs*channels)+
							nu*(outputs*channels)+
							c*outputs+o]
				}
			}
		}
	}
	return padded
}

func ceilMultiple(n, mul int) int {
	if rem := n % mul; rem != 0 {
		return n + mul - rem
	}
	return n
}
