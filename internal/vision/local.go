package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vigia-iot/vigia/internal/types"

	_ "image/jpeg"
	_ "image/png"
)

// LocalDetectorConfig configures the on-device model runner.
type LocalDetectorConfig struct {
	RunnerPath string
	ModelPath  string
	Timeout    time.Duration
}

// runnerRequest is one inference request sent to the model runner over
// stdin. MsgPack with length-prefix framing (4 bytes big-endian + body)
// so the runner can detect message boundaries in the stream.
type runnerRequest struct {
	ID         uint64  `msgpack:"id"`
	Image      []byte  `msgpack:"image"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
	Confidence float64 `msgpack:"confidence"`
}

// runnerBox is one detected box in the runner's corner-coordinate form.
type runnerBox struct {
	Class      string  `msgpack:"class"`
	Confidence float64 `msgpack:"confidence"`
	X1         float64 `msgpack:"x1"`
	Y1         float64 `msgpack:"y1"`
	X2         float64 `msgpack:"x2"`
	Y2         float64 `msgpack:"y2"`
	TrackID    string  `msgpack:"track_id"`
}

type runnerResponse struct {
	ID         uint64      `msgpack:"id"`
	Detections []runnerBox `msgpack:"detections"`
	Error      string      `msgpack:"error"`
}

// LocalDetector runs inference in a model-runner subprocess. The image is
// validated in-process before being handed to the runner; an undecodable
// image is an ErrImageDecode, not an empty result.
type LocalDetector struct {
	cfg LocalDetectorConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	results chan runnerResponse

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool
	reqSeq   atomic.Uint64

	// One request on the pipe at a time.
	reqMu sync.Mutex
}

// NewLocalDetector creates a local detector. Start must be called before
// Detect.
func NewLocalDetector(cfg LocalDetectorConfig) (*LocalDetector, error) {
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &LocalDetector{
		cfg:     cfg,
		results: make(chan runnerResponse, 4),
	}, nil
}

// Start spawns the model runner process and its reader goroutines.
func (d *LocalDetector) Start(ctx context.Context) error {
	if d.isActive.Load() {
		return fmt.Errorf("model runner already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	args := []string{}
	if d.cfg.ModelPath != "" {
		args = append(args, "--model", d.cfg.ModelPath)
	}
	d.cmd = exec.Command(d.cfg.RunnerPath, args...)

	var err error
	if d.stdin, err = d.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if d.stdout, err = d.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if d.stderr, err = d.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model runner: %w", err)
	}

	slog.Info("model runner started",
		"runner", d.cfg.RunnerPath,
		"model", d.cfg.ModelPath,
		"pid", d.cmd.Process.Pid,
	)

	d.wg.Add(3)
	go d.readResponses()
	go d.logStderr()
	go d.waitProcess()

	d.isActive.Store(true)
	return nil
}

// Detect validates the image and runs one inference round-trip against
// the runner process.
func (d *LocalDetector) Detect(ctx context.Context, img []byte, confidence float64) (Detection, error) {
	imgCfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return Detection{}, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}

	if !d.isActive.Load() {
		return Detection{}, fmt.Errorf("%w: model runner not started", ErrBackendUnavailable)
	}

	req := runnerRequest{
		ID:         d.reqSeq.Add(1),
		Image:      img,
		Width:      imgCfg.Width,
		Height:     imgCfg.Height,
		Confidence: confidence,
	}

	slog.Debug("dispatching local inference",
		"request_id", req.ID,
		"format", format,
		"size", len(img),
	)

	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	if err := d.writeRequest(req); err != nil {
		return Detection{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// The runner call is not cancelled; only its result is
			// discarded (matched replies for stale IDs are skipped).
			return Detection{}, ctx.Err()
		case <-timer.C:
			return Detection{}, fmt.Errorf("%w: model runner timeout after %s", ErrBackendUnavailable, d.cfg.Timeout)
		case resp, ok := <-d.results:
			if !ok {
				return Detection{}, fmt.Errorf("%w: model runner exited", ErrBackendUnavailable)
			}
			if resp.ID != req.ID {
				// Reply for an abandoned request.
				continue
			}
			if resp.Error != "" {
				return Detection{}, fmt.Errorf("%w: %s", ErrBackendUnavailable, resp.Error)
			}
			return Detection{Predictions: toCanonical(resp.Detections)}, nil
		}
	}
}

// writeRequest frames and writes one request with a bounded timeout so a
// hung runner cannot stall the caller on the pipe.
func (d *LocalDetector) writeRequest(req runnerRequest) error {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(body)))

		if _, err := d.stdin.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := d.stdin.Write(body); err != nil {
			writeErr <- fmt.Errorf("failed to write request body: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("stdin write timeout (model runner may be hung)")
	case <-d.ctx.Done():
		return fmt.Errorf("detector stopped during write")
	}
}

// readResponses reads framed responses from the runner's stdout.
func (d *LocalDetector) readResponses() {
	defer d.wg.Done()

	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(d.stdout, header); err != nil {
			if d.ctx.Err() == nil {
				slog.Error("model runner stdout closed", "error", err)
			}
			close(d.results)
			return
		}

		body := make([]byte, binary.BigEndian.Uint32(header))
		if _, err := io.ReadFull(d.stdout, body); err != nil {
			slog.Error("truncated model runner response", "error", err)
			close(d.results)
			return
		}

		var resp runnerResponse
		if err := msgpack.Unmarshal(body, &resp); err != nil {
			slog.Error("undecodable model runner response",
				"error", err,
				"size", len(body),
			)
			continue
		}

		select {
		case d.results <- resp:
		case <-d.ctx.Done():
			return
		}
	}
}

// logStderr bridges the runner's stderr into the service log.
func (d *LocalDetector) logStderr() {
	defer d.wg.Done()

	scanner := bufio.NewScanner(d.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("model runner", "output", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("model runner", "output", line)
		default:
			slog.Debug("model runner", "output", line)
		}
	}
}

// waitProcess reaps the runner process so it cannot turn into a zombie.
func (d *LocalDetector) waitProcess() {
	defer d.wg.Done()

	err := d.cmd.Wait()
	if d.ctx != nil && d.ctx.Err() != nil {
		slog.Debug("model runner exited on shutdown")
		return
	}
	if err != nil {
		slog.Error("model runner exited unexpectedly", "error", err)
	}
}

// Stop shuts the runner down, force-killing it if it ignores stdin close.
func (d *LocalDetector) Stop() error {
	if !d.isActive.Load() {
		return nil
	}
	d.isActive.Store(false)

	d.cancel()
	if d.stdin != nil {
		d.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("model runner did not stop in time, killing")
		if d.cmd != nil && d.cmd.Process != nil {
			d.cmd.Process.Kill()
		}
		<-done
	}

	slog.Info("model runner stopped")
	return nil
}

// toCanonical converts corner-coordinate boxes to the canonical
// center/width/height prediction form.
func toCanonical(boxes []runnerBox) []types.Prediction {
	preds := make([]types.Prediction, 0, len(boxes))
	for _, b := range boxes {
		w := b.X2 - b.X1
		h := b.Y2 - b.Y1
		preds = append(preds, types.Prediction{
			Class:      b.Class,
			Confidence: b.Confidence,
			X:          b.X1 + w/2,
			Y:          b.Y1 + h/2,
			Width:      w,
			Height:     h,
			TrackID:    b.TrackID,
		})
	}
	return preds
}
