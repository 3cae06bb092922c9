package nn

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// InputPlane is one sparse input plane: bit i of Mask set means square i
// carries Value, every other square is zero.
type InputPlane struct {
	Mask  uint64
	Value float32
}

// Output is the result of one evaluation: a probability distribution over
// the format version's policy space and a position value in [-1, 1].
type Output struct {
	Policy []float32
	Value  float32
}

// Config selects the backend and the policy softmax temperature.
type Config struct {
	Backend     Backend
	SoftmaxTemp float32 // 0 means 1.0
}

// Network is the inference entry point. Parameters and transformed filters
// are read-only after New, so Evaluate may be called from any number of
// goroutines; the self-check credit is the only shared mutable state.
type Network struct {
	params      *NetworkParameters
	engine      forwardEngine
	reference   forwardEngine // set when self-checking
	checker     *selfChecker
	softmaxTemp float32
}

// New builds a Network from loaded parameters: every 3x3 kernel is moved
// into the Winograd domain once, then the configured backend(s) are
// constructed around the shared transformed filters.
func New(params *NetworkParameters, cfg Config) (*Network, error) {
	towerU, err := transformTower(params)
	if err != nil {
		return nil, err
	}

	n := &Network{params: params, softmaxTemp: cfg.SoftmaxTemp}
	if n.softmaxTemp == 0 {
		n.softmaxTemp = 1.0
	}
	switch cfg.Backend {
	case BackendPlain:
		n.engine = newPlainEngine(params, towerU)
	case BackendTiled:
		n.engine = newTiledEngine(params, towerU)
	case BackendChecked:
		n.engine = newTiledEngine(params, towerU)
		n.reference = newPlainEngine(params, towerU)
		n.checker = newSelfChecker()
	default:
		return nil, fmt.Errorf("unknown backend %v", cfg.Backend)
	}
	return n, nil
}

// Open loads a weight file and builds a Network around it.
func Open(path string, cfg Config) (*Network, error) {
	params, err := LoadNetworkFile(path)
	if err != nil {
		return nil, err
	}
	return New(params, cfg)
}

// transformTower computes the Winograd-domain form of every tower filter,
// one goroutine per layer. This runs once; inference never re-transforms.
func transformTower(p *NetworkParameters) ([][]float32, error) {
	towerU := make([][]float32, len(p.TowerConvs))
	var g errgroup.Group
	for i := range p.TowerConvs {
		i := i
		channels := p.Channels
		if i == 0 {
			channels = p.InputChannels()
		}
		g.Go(func() error {
			u, err := transformFilter(p.TowerConvs[i].Weights, p.Channels, channels)
			if err != nil {
				return fmt.Errorf("tower layer %d: %w", i, err)
			}
			towerU[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return towerU, nil
}

// Params exposes the loaded parameter set (read-only).
func (n *Network) Params() *NetworkParameters {
	return n.params
}

// Evaluate expands the sparse planes into a dense input tensor, runs the
// forward pass and post-processes into a policy distribution and a value.
// The plane count must match the format version's input channel count.
func (n *Network) Evaluate(planes []InputPlane) (*Output, error) {
	if len(planes) != n.params.InputChannels() {
		return nil, fmt.Errorf("got %d input planes, v%d network expects %d",
			len(planes), n.params.FormatVersion, n.params.InputChannels())
	}

	input := make([]float32, len(planes)*numSquares)
	for i, plane := range planes {
		if plane.Mask == 0 {
			continue
		}
		base := i * numSquares
		for sq := 0; sq < numSquares; sq++ {
			if plane.Mask&(1<<uint(sq)) != 0 {
				input[base+sq] = plane.Value
			}
		}
	}

	policy := make([]float32, n.params.PolicyOutputs())
	value := make([]float32, valueHidden)
	n.engine.forward(input, policy, value)

	if n.checker != nil && n.checker.shouldCheck() {
		if err := n.checker.audit(n.engine, n.reference, input, policy, value); err != nil {
			return nil, err
		}
	}

	dist := make([]float32, len(policy))
	softmax(policy, dist, n.softmaxTemp)

	raw := n.params.ValueProj2B[0]
	for i, w := range n.params.ValueProj2W {
		raw += w * value[i]
	}
	return &Output{
		Policy: dist,
		Value:  float32(math.Tanh(float64(raw))),
	}, nil
}

// softmax writes the temperature-scaled softmax of in to out, subtracting
// the maximum logit first for numeric stability.
func softmax(in, out []float32, temperature float32) {
	alpha := in[0]
	for _, x := range in[1:] {
		if x > alpha {
			alpha = x
		}
	}
	alpha /= temperature

	var denom float32
	for i, x := range in {
		val := float32(math.Exp(float64(x/temperature - alpha)))
		out[i] = val
		denom += val
	}
	for i := range out {
		out[i] /= denom
	}
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
