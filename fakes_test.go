package volume

import (
	"errors"
	"sync"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// recordingFactory records texture creation and keeps every texture it made.
type recordingFactory struct {
	format   ElementFormat
	failNext bool
	created  []*recordingTexture
}

func (f *recordingFactory) Format() ElementFormat { return f.format }

func (f *recordingFactory) CreateVolumeTexture(extents sampling.Extents, data []byte) (Texture, error) {
	if f.failNext {
		f.failNext = false
		return nil, errors.New("out of video memory")
	}
	t := &recordingTexture{extents: extents, data: append([]byte(nil), data...)}
	f.created = append(f.created, t)
	return t, nil
}

func (f *recordingFactory) live() int {
	n := 0
	for _, t := range f.created {
		if !t.released {
			n++
		}
	}
	return n
}

type recordingTexture struct {
	extents  sampling.Extents
	data     []byte
	updates  int
	released bool
	failNext bool
}

func (t *recordingTexture) Update(data []byte) error {
	if t.failNext {
		t.failNext = false
		return errors.New("device lost")
	}
	t.updates++
	t.data = append(t.data[:0], data...)
	return nil
}

func (t *recordingTexture) Release() { t.released = true }

// recordingShader stores the last value set for each parameter.
type recordingShader struct {
	mu     sync.Mutex
	values map[string]any
	fail   string
}

func newRecordingShader() *recordingShader {
	return &recordingShader{values: make(map[string]any)}
}

func (s *recordingShader) set(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == s.fail {
		return errors.New("no such parameter")
	}
	s.values[name] = v
	return nil
}

func (s *recordingShader) SetBool(name string, v bool) error         { return s.set(name, v) }
func (s *recordingShader) SetTexture(name string, tex Texture) error { return s.set(name, tex) }
func (s *recordingShader) SetVec2(name string, x, y float64) error {
	return s.set(name, [2]float64{x, y})
}
func (s *recordingShader) SetVec3(name string, v grid.Vec3) error { return s.set(name, v) }

func (s *recordingShader) get(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}
