// Package frames samples a bounded set of evenly spaced still frames from a
// video clip. ffprobe determines the frame count, ffmpeg extracts the chosen
// frames, and oversized frames are downscaled in pure Go before being handed
// to the classifier as JPEG bytes.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// ErrNoFrames is returned when a clip yields no decodable frames: zero frames
// in the stream, or every extracted frame failed to decode.
var ErrNoFrames = errors.New("no decodable frames in clip")

const (
	// extractJPEGQuality is the ffmpeg qscale:v for extracted frames.
	// 2 is high quality, minimizing artifacts the model would see.
	extractJPEGQuality = 2

	// maxFrameDimension caps the longer edge of frames sent to the model.
	maxFrameDimension = 1024

	// encodeJPEGQuality is used when re-encoding downscaled frames.
	encodeJPEGQuality = 85
)

// Frame is one decoded still, re-encoded as JPEG, in clip time order.
type Frame struct {
	Index int
	JPEG  []byte
}

// Sampler extracts frames using the ffmpeg and ffprobe binaries on PATH.
type Sampler struct{}

// NewSampler returns a Sampler. Call Check at startup to validate that the
// required binaries are present.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Check verifies ffmpeg and ffprobe are available on PATH.
func (s *Sampler) Check() error {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH: frame sampling requires FFmpeg", bin)
		}
	}
	return nil
}

// Sample returns up to maxFrames evenly spaced frames from the clip at
// clipPath. Individual frames that fail to decode are skipped; if none
// decode, or the clip has no video frames at all, Sample returns ErrNoFrames.
// All temporary files are removed before returning.
func (s *Sampler) Sample(ctx context.Context, clipPath string, maxFrames int) ([]Frame, error) {
	total, err := countFrames(ctx, clipPath)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrNoFrames
	}

	indices := UniformIndices(total, maxFrames)
	log.Debug().
		Str("clip", filepath.Base(clipPath)).
		Int("total_frames", total).
		Int("sampled", len(indices)).
		Msg("Frame indices selected")

	frameDir, err := os.MkdirTemp("", "analyzer-frames-*")
	if err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(frameDir); err != nil {
			log.Warn().Err(err).Str("dir", frameDir).Msg("Failed to remove frame directory")
		}
	}()

	if err := extractFrames(ctx, clipPath, frameDir, indices); err != nil {
		return nil, err
	}

	paths, err := collectFramePaths(frameDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoFrames
	}

	frames := assembleFrames(paths, indices)
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	log.Info().
		Str("clip", filepath.Base(clipPath)).
		Int("frames", len(frames)).
		Msg("Frames sampled")

	return frames, nil
}

// countFrames returns the number of video frames in the clip by counting
// packets on the first video stream. Counting packets avoids a full decode
// and works regardless of codec, as long as a video stream exists.
func countFrames(ctx context.Context, clipPath string) (int, error) {
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return 0, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "csv=p=0",
		clipPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed on %s: %w", filepath.Base(clipPath), err)
	}

	text := strings.TrimSpace(string(output))
	if text == "" {
		// No video stream at all.
		return 0, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("unexpected ffprobe frame count %q: %w", text, err)
	}
	return n, nil
}

// extractFrames writes the frames at the given indices into dir as
// frame_%06d.jpg, using an ffmpeg select filter so only the chosen frames
// are decoded and encoded.
func extractFrames(ctx context.Context, clipPath, dir string, indices []int) error {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	terms := make([]string, len(indices))
	for i, idx := range indices {
		terms[i] = fmt.Sprintf("eq(n\\,%d)", idx)
	}
	selectExpr := fmt.Sprintf("select='%s'", strings.Join(terms, "+"))

	framePattern := filepath.Join(dir, "frame_%06d.jpg")
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-i", clipPath,
		"-vf", selectExpr,
		"-vsync", "0",
		"-qscale:v", strconv.Itoa(extractJPEGQuality),
		"-y", framePattern,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("frame extraction failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// assembleFrames decodes the extracted frame files and attributes each one to
// its clip position. The attribution goes through the filename's sequence
// number, not the file's position in the sorted listing: ffmpeg numbers
// outputs in the order selected frames pass the filter, so sequence k is the
// k-th requested index even when other files are missing from the directory.
// Undecodable frames are skipped.
func assembleFrames(paths []string, indices []int) []Frame {
	frames := make([]Frame, 0, len(paths))
	for _, path := range paths {
		seq, err := frameSequence(path)
		if err != nil || seq < 1 || seq > len(indices) {
			log.Warn().Str("frame", filepath.Base(path)).Msg("Skipping frame with unexpected sequence number")
			continue
		}
		data, err := decodeAndScale(path)
		if err != nil {
			log.Warn().Err(err).Str("frame", filepath.Base(path)).Msg("Skipping undecodable frame")
			continue
		}
		frames = append(frames, Frame{Index: indices[seq-1], JPEG: data})
	}
	return frames
}

// frameSequence parses the %06d sequence number out of an extracted frame
// filename, e.g. frame_000003.jpg -> 3.
func frameSequence(path string) (int, error) {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "frame_")
	name = strings.TrimSuffix(name, ".jpg")
	return strconv.Atoi(name)
}

// collectFramePaths returns sorted paths to the extracted frame files.
func collectFramePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".jpg") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// decodeAndScale reads one extracted frame, downscales it if its longer edge
// exceeds maxFrameDimension, and returns it as JPEG bytes.
func decodeAndScale(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxFrameDimension || h > maxFrameDimension {
		nw, nh := scaledDimensions(w, h, maxFrameDimension)
		scaled := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: encodeJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// scaledDimensions shrinks (w, h) so the longer edge equals max, preserving
// aspect ratio.
func scaledDimensions(w, h, max int) (int, int) {
	if w >= h {
		return max, int(float64(h) * float64(max) / float64(w))
	}
	return int(float64(w) * float64(max) / float64(h)), max
}
