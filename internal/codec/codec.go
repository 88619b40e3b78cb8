// Package codec wraps the xdelta3 VCDIFF encoder/decoder. No pure-Go VCDIFF
// implementation is available, so both directions shell out to the
// external xdelta3 binary — the same binary the original DeltaGlider
// tooling produces deltas for and is compatible with.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
)

// Codec encodes and decodes VCDIFF-style deltas via the xdelta3 CLI.
type Codec struct {
	maxSize int64
	tempDir string
}

// New creates a Codec that rejects source/target buffers larger than
// maxSize bytes. tempDir is where scratch files for the xdelta3 subprocess
// are written; an empty string uses the OS default temp directory.
func New(maxSize int64, tempDir string) *Codec {
	return &Codec{maxSize: maxSize, tempDir: tempDir}
}

// Encode produces a delta such that Decode(source, delta) reconstructs target.
func (c *Codec) Encode(ctx context.Context, source, target []byte) ([]byte, error) {
	if int64(len(source)) > c.maxSize {
		return nil, fmt.Errorf("encode source: %w", dgerrors.ErrTooLarge)
	}
	if int64(len(target)) > c.maxSize {
		return nil, fmt.Errorf("encode target: %w", dgerrors.ErrTooLarge)
	}
	return c.run(ctx, "-e", "-9", source, target)
}

// Decode reconstructs the target bytes from a source baseline and a delta.
func (c *Codec) Decode(ctx context.Context, source, delta []byte) ([]byte, error) {
	if int64(len(source)) > c.maxSize {
		return nil, fmt.Errorf("decode source: %w", dgerrors.ErrTooLarge)
	}
	if int64(len(delta)) > c.maxSize {
		return nil, fmt.Errorf("decode delta: %w", dgerrors.ErrTooLarge)
	}
	return c.run(ctx, "-d", "", source, delta)
}

// run invokes xdelta3 with a source file and an input file (the target for
// encode, the delta for decode), returning the produced output bytes.
func (c *Codec) run(ctx context.Context, mode, encodeLevel string, source, input []byte) ([]byte, error) {
	sourceFile, err := writeTemp(c.tempDir, source)
	if err != nil {
		return nil, fmt.Errorf("writing source scratch file: %w", err)
	}
	defer os.Remove(sourceFile)

	inputFile, err := writeTemp(c.tempDir, input)
	if err != nil {
		return nil, fmt.Errorf("writing input scratch file: %w", err)
	}
	defer os.Remove(inputFile)

	outputFile, err := scratchPath(c.tempDir)
	if err != nil {
		return nil, fmt.Errorf("allocating output scratch path: %w", err)
	}
	defer os.Remove(outputFile)

	args := []string{mode}
	if encodeLevel != "" {
		args = append(args, encodeLevel)
	}
	args = append(args, "-f", "-s", sourceFile, inputFile, outputFile)

	cmd := exec.CommandContext(ctx, "xdelta3", args...)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("xdelta3 %s failed: %w: %s", mode, err, stderr.String())
	}

	out, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, fmt.Errorf("reading xdelta3 output: %w", err)
	}
	return out, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	path, err := scratchPath(dir)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func scratchPath(dir string) (string, error) {
	f, err := os.CreateTemp(dir, "dg-codec-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	return path, nil
}

// CompressionRatio returns deltaSize/originalSize, treating an empty
// original as a perfect (non-)compression of 1.0.
func CompressionRatio(originalSize, deltaSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(deltaSize) / float64(originalSize)
}
