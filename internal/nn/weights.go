package nn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Weight-file load failure classes. All of them abort initialization;
// there is no degraded inference mode.
var (
	ErrVersion   = errors.New("unsupported weight file version")
	ErrParse     = errors.New("malformed weight line")
	ErrStructure = errors.New("inconsistent number of weight lines")
	ErrConfig    = errors.New("malformed head dimensions")
)

// LoadNetworkFile reads a weight file from disk. Plain and gzip-compressed
// files are both accepted.
func LoadNetworkFile(path string) (*NetworkParameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening weights file: %w", err)
	}
	defer f.Close()
	return LoadNetwork(f)
}

// LoadNetwork parses a weight stream into NetworkParameters.
// File format: line 1 is the integer format version; every following line is
// a whitespace-separated list of float tokens. The residual block count is
// derived from the line count: 4 lines for the input convolution, 8 per
// residual block, 14 fixed head lines.
func LoadNetwork(r io.Reader) (*NetworkParameters, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("decompressing weights: %w", err)
		}
		defer zr.Close()
		return parseNetwork(zr)
	}
	return parseNetwork(br)
}

func parseNetwork(r io.Reader) (*NetworkParameters, error) {
	scanner := bufio.NewScanner(r)
	// Single weight lines of big networks run to tens of megabytes.
	scanner.Buffer(make([]byte, 1<<20), 1<<28)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading weights: %w", err)
		}
		return nil, fmt.Errorf("%w: empty file", ErrVersion)
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrVersion, strings.TrimSpace(scanner.Text()))
	}
	if version < 1 || version > MaxFormatVersion {
		return nil, fmt.Errorf("%w: v%d", ErrVersion, version)
	}

	var lines [][]float32
	lineno := 1
	for scanner.Scan() {
		lineno++
		fields := strings.Fields(scanner.Text())
		row := make([]float32, len(fields))
		for i, tok := range fields {
			v, err := strconv.ParseFloat(tok, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %q", ErrParse, lineno, tok)
			}
			row[i] = float32(v)
		}
		lines = append(lines, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading weights: %w", err)
	}

	// 4 lines for the input convolution, 14 head lines, 8 per residual block.
	rem := len(lines) - 4 - 14
	if rem < 0 || rem%8 != 0 {
		return nil, fmt.Errorf("%w: %d data lines", ErrStructure, len(lines))
	}
	blocks := rem / 8
	plainConvLayers := 1 + 2*blocks

	// The first convolution's bias length gives the tower width. All tower
	// layers are assumed to share it; the file format guarantees this.
	channels := len(lines[1])
	if channels == 0 {
		return nil, fmt.Errorf("%w: empty bias line", ErrStructure)
	}

	p := &NetworkParameters{
		FormatVersion:  version,
		Channels:       channels,
		ResidualBlocks: blocks,
		TowerConvs:     make([]ConvLayer, plainConvLayers),
	}

	for i := 0; i < plainConvLayers; i++ {
		base := i * 4
		layer := ConvLayer{
			Weights:     lines[base],
			Bias:        lines[base+1],
			BNMean:      lines[base+2],
			BNInvStdDev: invStdDev(lines[base+3]),
		}
		if len(layer.Bias) != len(layer.BNMean) || len(layer.Bias) != len(layer.BNInvStdDev) {
			return nil, fmt.Errorf("%w: tower layer %d batch-norm widths", ErrStructure, i)
		}
		p.TowerConvs[i] = layer
	}

	head := lines[plainConvLayers*4:]
	p.PolicyConv = ConvLayer{
		Weights:     head[0],
		Bias:        head[1],
		BNMean:      head[2],
		BNInvStdDev: invStdDev(head[3]),
	}
	p.PolicyProjW = head[4]
	p.PolicyProjB = head[5]
	p.ValueConv = ConvLayer{
		Weights:     head[6],
		Bias:        head[7],
		BNMean:      head[8],
		BNInvStdDev: invStdDev(head[9]),
	}
	p.ValueProj1W = head[10]
	p.ValueProj1B = head[11]
	p.ValueProj2W = head[12]
	p.ValueProj2B = head[13]

	if err := p.validateHeads(); err != nil {
		return nil, err
	}

	// Fold convolution biases into the paired batch-norm means so inference
	// never adds a separate bias term.
	foldBias(p.TowerConvs)
	foldBias([]ConvLayer{p.PolicyConv, p.ValueConv})

	return p, nil
}

func (p *NetworkParameters) validateHeads() error {
	if err := p.validateHeadConv("policy", &p.PolicyConv); err != nil {
		return err
	}
	if err := p.validateHeadConv("value", &p.ValueConv); err != nil {
		return err
	}
	if got, want := len(p.PolicyProjB), p.PolicyOutputs(); got != want {
		return fmt.Errorf("%w: policy projection %d outputs, v%d expects %d",
			ErrConfig, got, p.FormatVersion, want)
	}
	if got, want := len(p.PolicyProjW), p.PolicyOutputs()*p.PolicyConv.Outputs()*numSquares; got != want {
		return fmt.Errorf("%w: policy projection %d weights, expected %d", ErrConfig, got, want)
	}
	if len(p.ValueProj1B) != valueHidden {
		return fmt.Errorf("%w: value hidden projection %d outputs, expected %d",
			ErrConfig, len(p.ValueProj1B), valueHidden)
	}
	if got, want := len(p.ValueProj1W), valueHidden*p.ValueConv.Outputs()*numSquares; got != want {
		return fmt.Errorf("%w: value hidden projection %d weights, expected %d", ErrConfig, got, want)
	}
	if len(p.ValueProj2W) != valueHidden || len(p.ValueProj2B) != 1 {
		return fmt.Errorf("%w: value output projection %dx%d",
			ErrConfig, len(p.ValueProj2W), len(p.ValueProj2B))
	}
	return nil
}

// validateHeadConv checks one head's 1x1 convolution: both batch-norm
// vectors must match the conv output width and the weight tensor must be
// outputs x tower channels. The forward pass indexes these blindly.
func (p *NetworkParameters) validateHeadConv(name string, l *ConvLayer) error {
	if len(l.BNMean) != l.Outputs() {
		return fmt.Errorf("%w: %s batch-norm mean %d planes, convolution %d",
			ErrConfig, name, len(l.BNMean), l.Outputs())
	}
	if len(l.BNInvStdDev) != l.Outputs() {
		return fmt.Errorf("%w: %s batch-norm variance %d planes, convolution %d",
			ErrConfig, name, len(l.BNInvStdDev), l.Outputs())
	}
	if got, want := len(l.Weights), l.Outputs()*p.Channels; got != want {
		return fmt.Errorf("%w: %s convolution %d weights, %dx%d needs %d",
			ErrConfig, name, got, l.Outputs(), p.Channels, want)
	}
	return nil
}

// invStdDev converts raw batch-norm variances to inverse stddevs in place.
func invStdDev(variances []float32) []float32 {
	for i, v := range variances {
		variances[i] = 1.0 / sqrt32(v+batchNormEpsilon)
	}
	return variances
}

func foldBias(layers []ConvLayer) {
	for _, l := range layers {
		for j := range l.BNMean {
			l.BNMean[j] -= l.Bias[j]
			l.Bias[j] = 0
		}
	}
}
