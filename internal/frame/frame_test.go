package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name    string
		w, h, c int
		pix     int
		wantErr bool
	}{
		{"bgr", 2, 2, 3, 12, false},
		{"grey", 3, 1, 1, 3, false},
		{"short buffer", 2, 2, 3, 11, true},
		{"zero width", 0, 2, 3, 0, true},
		{"four channels", 1, 1, 4, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.w, tt.h, tt.c, make([]byte, tt.pix))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewCopiesBuffer(t *testing.T) {
	pix := []byte{1, 2, 3}
	f, err := New(1, 1, 3, pix)
	require.NoError(t, err)
	pix[0] = 99
	assert.Equal(t, byte(1), f.Pix[0])
}

func TestMirror(t *testing.T) {
	// two BGR pixels on one row
	f, err := New(2, 1, 3, []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	m := f.Mirror()
	assert.Equal(t, []byte{4, 5, 6, 1, 2, 3}, m.Pix)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, f.Pix, "source must not change")
}

func TestStampSharesPixels(t *testing.T) {
	f, err := New(1, 1, 1, []byte{7})
	require.NoError(t, err)
	ts := time.Unix(10, 0)

	s := f.Stamp(42, ts)
	assert.Equal(t, uint64(42), s.Seq)
	assert.True(t, s.Timestamp.Equal(ts))
	assert.Equal(t, uint64(0), f.Seq)
	assert.Same(t, &f.Pix[0], &s.Pix[0])
}

func TestImageConvertsBGR(t *testing.T) {
	f, err := New(1, 1, 3, []byte{10, 20, 30})
	require.NoError(t, err)

	r, g, b, a := f.Image().At(0, 0).RGBA()
	assert.Equal(t, uint32(30), r>>8)
	assert.Equal(t, uint32(20), g>>8)
	assert.Equal(t, uint32(10), b>>8)
	assert.Equal(t, uint32(0xff), a>>8)
}
