package nn

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// buildWeightLines produces a structurally valid weight file as a line
// slice, every tensor filled with the given constant tokens. Callers can
// corrupt individual lines before joining.
func buildWeightLines(version, channels, blocks int, weight, bias string) []string {
	inputChannels := v1InputChannels
	policyOutputs := v1PolicyOutputs
	if version == 2 {
		inputChannels = v2InputChannels
		policyOutputs = v2PolicyOutputs
	}

	var lines []string
	addLine := func(n int, tok string) {
		var b strings.Builder
		b.Grow(n * (len(tok) + 1))
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(tok)
		}
		lines = append(lines, b.String())
	}
	addConv := func(inputs int) {
		addLine(channels*inputs*9, weight) // weights
		addLine(channels, bias)            // bias
		addLine(channels, "0")             // batch-norm mean
		addLine(channels, "1")             // raw batch-norm variance
	}

	lines = append(lines, strconv.Itoa(version))

	addConv(inputChannels)
	for i := 0; i < 2*blocks; i++ {
		addConv(channels)
	}

	// Policy head
	addLine(policyPlanes*channels, weight)
	addLine(policyPlanes, bias)
	addLine(policyPlanes, "0")
	addLine(policyPlanes, "1")
	addLine(policyOutputs*policyPlanes*numSquares, weight)
	addLine(policyOutputs, bias)
	// Value head
	addLine(valuePlanes*channels, weight)
	addLine(valuePlanes, bias)
	addLine(valuePlanes, "0")
	addLine(valuePlanes, "1")
	addLine(valueHidden*valuePlanes*numSquares, weight)
	addLine(valueHidden, bias)
	addLine(valueHidden, weight)
	addLine(1, bias)

	return lines
}

func loadFromLines(t *testing.T, lines []string) (*NetworkParameters, error) {
	t.Helper()
	return LoadNetwork(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func TestLoadNetworkGeometry(t *testing.T) {
	lines := buildWeightLines(1, 4, 1, "0", "0")
	p, err := loadFromLines(t, lines)
	if err != nil {
		t.Fatalf("LoadNetwork: %v", err)
	}
	if p.FormatVersion != 1 {
		t.Errorf("FormatVersion = %d, want 1", p.FormatVersion)
	}
	if p.Channels != 4 {
		t.Errorf("Channels = %d, want 4", p.Channels)
	}
	if p.ResidualBlocks != 1 {
		t.Errorf("ResidualBlocks = %d, want 1", p.ResidualBlocks)
	}
	if got := len(p.TowerConvs); got != 3 {
		t.Errorf("len(TowerConvs) = %d, want 3", got)
	}
	if p.InputChannels() != 120 {
		t.Errorf("InputChannels = %d, want 120", p.InputChannels())
	}
	if p.PolicyOutputs() != 1924 {
		t.Errorf("PolicyOutputs = %d, want 1924", p.PolicyOutputs())
	}
}

func TestLoadNetworkBiasFolding(t *testing.T) {
	lines := buildWeightLines(1, 4, 0, "0.5", "0.25")
	p, err := loadFromLines(t, lines)
	if err != nil {
		t.Fatalf("LoadNetwork: %v", err)
	}

	wantInvStdDev := float32(1.0 / math.Sqrt(1.0+batchNormEpsilon))
	check := func(name string, l ConvLayer) {
		for i := range l.Bias {
			if l.Bias[i] != 0 {
				t.Fatalf("%s bias[%d] = %f after folding, want 0", name, i, l.Bias[i])
			}
			if l.BNMean[i] != -0.25 {
				t.Fatalf("%s bnMean[%d] = %f, want -0.25", name, i, l.BNMean[i])
			}
			if d := abs32(l.BNInvStdDev[i] - wantInvStdDev); d > 1e-7 {
				t.Fatalf("%s bnInvStdDev[%d] = %f, want %f", name, i, l.BNInvStdDev[i], wantInvStdDev)
			}
		}
	}
	for _, l := range p.TowerConvs {
		check("tower", l)
	}
	check("policy", p.PolicyConv)
	check("value", p.ValueConv)
}

func TestLoadNetworkVersionErrors(t *testing.T) {
	for _, in := range []string{"", "0\n", "3\n", "banana\n", "-1\n"} {
		_, err := LoadNetwork(strings.NewReader(in))
		if !errors.Is(err, ErrVersion) {
			t.Errorf("LoadNetwork(%q) = %v, want ErrVersion", in, err)
		}
	}
}

func TestLoadNetworkParseError(t *testing.T) {
	_, err := LoadNetwork(strings.NewReader("1\n0.5 0.5\n0.5 banana\n"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("error %q does not carry the line number", err)
	}
}

func TestLoadNetworkStructuralError(t *testing.T) {
	for _, dataLines := range []int{5, 17, 19} {
		in := "1\n" + strings.Repeat("0\n", dataLines)
		_, err := LoadNetwork(strings.NewReader(in))
		if !errors.Is(err, ErrStructure) {
			t.Errorf("%d data lines: err = %v, want ErrStructure", dataLines, err)
		}
	}
}

func TestLoadNetworkBlockDerivation(t *testing.T) {
	for _, blocks := range []int{0, 2} {
		lines := buildWeightLines(2, 2, blocks, "0", "0")
		p, err := loadFromLines(t, lines)
		if err != nil {
			t.Fatalf("blocks=%d: %v", blocks, err)
		}
		if p.ResidualBlocks != blocks {
			t.Errorf("ResidualBlocks = %d, want %d", p.ResidualBlocks, blocks)
		}
	}
}

func TestLoadNetworkGzip(t *testing.T) {
	lines := buildWeightLines(2, 2, 0, "0.5", "0")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	p, err := LoadNetwork(&buf)
	if err != nil {
		t.Fatalf("LoadNetwork(gzip): %v", err)
	}
	if p.FormatVersion != 2 || p.Channels != 2 {
		t.Errorf("got v%d %d channels, want v2 2 channels", p.FormatVersion, p.Channels)
	}
}

func TestLoadNetworkCorruptGzip(t *testing.T) {
	corrupt := append([]byte{0x1f, 0x8b}, []byte("not a gzip stream at all")...)
	_, err := LoadNetwork(bytes.NewReader(corrupt))
	if err == nil {
		t.Fatal("corrupt gzip stream loaded without error")
	}
	if errors.Is(err, ErrStructure) || errors.Is(err, ErrParse) {
		t.Errorf("decompression failure misclassified: %v", err)
	}
}

// Every head tensor the forward pass indexes must be rejected at load when
// its length disagrees with the head geometry, never left to panic later.
func TestLoadNetworkHeadMismatch(t *testing.T) {
	const channels = 4
	headStart := 1 + 4*1 // version line + one tower convolution

	cases := []struct {
		name   string
		line   int // head line to corrupt
		tokens int
	}{
		{"policy conv weights truncated", 0, policyPlanes*channels - 1},
		{"policy bn mean shrunk", 2, policyPlanes - 1},
		{"policy bn variance shrunk", 3, policyPlanes - 1},
		{"value conv weights truncated", 6, valuePlanes*channels - 1},
		{"value bn mean shrunk", 8, valuePlanes - 1},
		{"value bn variance shrunk", 9, valuePlanes - 1},
	}
	for _, c := range cases {
		lines := buildWeightLines(1, channels, 0, "0", "0")
		lines[headStart+c.line] = strings.TrimSpace(strings.Repeat("0 ", c.tokens))
		_, err := loadFromLines(t, lines)
		if !errors.Is(err, ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", c.name, err)
		}
	}
}
