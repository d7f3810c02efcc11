// Package camera reads BGR frames from a webcam or video stream through OpenCV.
package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/satindergrewal/moodlens/internal/frame"
)

// Camera is a frame.Source backed by gocv.VideoCapture.
type Camera struct {
	device string
	width  int
	height int
	logger *zap.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// Open connects to device, which is either a camera index ("0") or a URL or
// file path understood by OpenCV. A zero width or height keeps the device default.
func Open(device string, width, height int, logger *zap.Logger) (*Camera, error) {
	c := &Camera{
		device: device,
		width:  width,
		height: height,
		logger: logger.With(zap.String("stage", "capture"), zap.String("device", device)),
		mat:    gocv.NewMat(),
	}
	if err := c.open(); err != nil {
		c.mat.Close()
		return nil, err
	}
	return c, nil
}

func (c *Camera) open() error {
	capture, err := gocv.OpenVideoCapture(parseDevice(c.device))
	if err != nil {
		return fmt.Errorf("%w: %v", frame.ErrUnavailable, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: %s did not open", frame.ErrUnavailable, c.device)
	}
	if c.width > 0 && c.height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	}
	c.capture = capture
	c.logger.Info("capture device opened",
		zap.Float64("width", capture.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", capture.Get(gocv.VideoCaptureFrameHeight)),
	)
	return nil
}

// Next blocks until the device delivers a frame. A failed read or an empty
// image is reported as frame.ErrUnavailable.
func (c *Camera) Next(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil, fmt.Errorf("%w: %s is closed", frame.ErrUnavailable, c.device)
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("%w: read from %s failed", frame.ErrUnavailable, c.device)
	}
	return frame.New(c.mat.Cols(), c.mat.Rows(), c.mat.Channels(), c.mat.ToBytes())
}

// Reopen closes and reopens the device after a run of failed reads.
func (c *Camera) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
	return c.open()
}

// Release closes the device but keeps the camera usable: Reopen connects
// again. Next fails with frame.ErrUnavailable in between.
func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.capture = nil
	c.logger.Info("capture device released")
	return err
}

// Close releases the device and frees the read buffer.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.capture != nil {
		err = c.capture.Close()
		c.capture = nil
	}
	c.mat.Close()
	return err
}

// parseDevice turns "0" into a camera index and leaves URLs and paths alone.
func parseDevice(device string) interface{} {
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	return device
}
