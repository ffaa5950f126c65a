package test_utils

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/robodata/epishard"
)

// FakeCodec is an in-memory stand-in for the decode/encode services.
// A "video file" is a flat list of frames at a fixed fps; a seek time
// maps to frame round(seek*fps), clamped to the file. Frames carry an
// (episode, frame) identity so tests can verify ordering survives a
// rewrite.
type FakeCodec struct {
	mu     sync.Mutex
	videos map[string]*fakeVideo

	// FailOnPath makes Decode and encoding fail for any path
	// containing the substring, for abort-path tests.
	FailOnPath string
}

type fakeVideo struct {
	fps    float64
	frames []epishard.Frame
}

func NewFakeCodec() *FakeCodec {
	return &FakeCodec{videos: make(map[string]*fakeVideo)}
}

func MakeFrame(episode int, frame int64) epishard.Frame {
	return epishard.Frame(fmt.Sprintf("ep%04d-f%05d", episode, frame))
}

func ParseFrame(f epishard.Frame) (episode int, frame int64, err error) {
	_, err = fmt.Sscanf(string(f), "ep%04d-f%05d", &episode, &frame)
	return
}

func (c *FakeCodec) Decode(ctx context.Context, path string, seeks []epishard.AbsTime) ([]epishard.Frame, error) {
	if c.FailOnPath != "" && strings.Contains(path, c.FailOnPath) {
		return nil, fmt.Errorf("injected decode failure: %s", path)
	}
	c.mu.Lock()
	v, ok := c.videos[path]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	out := make([]epishard.Frame, 0, len(seeks))
	for _, at := range seeks {
		idx := int(math.Round(float64(at) * v.fps))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(v.frames) {
			idx = len(v.frames) - 1
		}
		out = append(out, v.frames[idx])
	}
	return out, nil
}

func (c *FakeCodec) NewEncoder(ctx context.Context, path string, fps float64) (epishard.FrameSink, error) {
	if c.FailOnPath != "" && strings.Contains(path, c.FailOnPath) {
		return nil, fmt.Errorf("injected encoder failure: %s", path)
	}
	v := &fakeVideo{fps: fps}
	c.mu.Lock()
	c.videos[path] = v
	c.mu.Unlock()
	return &fakeSink{codec: c, video: v, path: path}, nil
}

// FrameCount reports how many frames one encoded file holds.
func (c *FakeCodec) FrameCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.videos[path]; ok {
		return len(v.frames)
	}
	return 0
}

type fakeSink struct {
	codec *FakeCodec
	video *fakeVideo
	path  string
}

func (s *fakeSink) Write(frames ...epishard.Frame) error {
	if s.codec.FailOnPath != "" && strings.Contains(s.path, s.codec.FailOnPath) {
		return fmt.Errorf("injected encode failure: %s", s.path)
	}
	s.codec.mu.Lock()
	defer s.codec.mu.Unlock()
	s.video.frames = append(s.video.frames, frames...)
	return nil
}

func (s *fakeSink) Close() error { return nil }
