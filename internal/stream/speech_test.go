package stream

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/satindergrewal/moodlens/internal/audio"
)

func voicedFrame(v int16) []int16 {
	f := make([]int16, audio.FrameSamples)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestSilenceGateHangover(t *testing.T) {
	var g silenceGate
	silence := make([]int16, audio.FrameSamples)

	if !g.voiced(silence) {
		t.Error("leading silence is inside the hangover of a fresh gate")
	}
	for i := 1; i < silenceHangover; i++ {
		g.voiced(silence)
	}
	if g.voiced(silence) {
		t.Errorf("silence past %d frames should be gated", silenceHangover)
	}

	if !g.voiced(voicedFrame(1000)) {
		t.Error("speech must always be encoded")
	}
	for i := 0; i < silenceHangover; i++ {
		if !g.voiced(silence) {
			t.Fatalf("tail frame %d after speech was gated", i)
		}
	}
	if g.voiced(silence) {
		t.Error("silence after the tail should be gated")
	}
}

func TestSilentThreshold(t *testing.T) {
	if !audio.Silent(voicedFrame(audio.SilenceLevel)) {
		t.Error("frame at the silence level counts as silent")
	}
	if audio.Silent(voicedFrame(-audio.SilenceLevel - 1)) {
		t.Error("frame above the silence level is not silent")
	}
}

func TestSpeechEncoderReusesSilencePacket(t *testing.T) {
	enc, err := newSpeechEncoder()
	if err != nil {
		t.Fatalf("newSpeechEncoder: %v", err)
	}
	if len(enc.silence) == 0 {
		t.Fatal("no cached silence packet")
	}

	silence := make([]int16, audio.FrameSamples)
	for i := 0; i <= silenceHangover; i++ {
		if _, err := enc.packet(silence); err != nil {
			t.Fatalf("packet: %v", err)
		}
	}
	pkt, err := enc.packet(silence)
	if err != nil {
		t.Fatalf("packet: %v", err)
	}
	if !bytes.Equal(pkt, enc.silence) {
		t.Error("gated silence should use the cached packet")
	}
	if enc.silenced != 2 || enc.encoded != silenceHangover {
		t.Errorf("encoded=%d silenced=%d, want %d and 2", enc.encoded, enc.silenced, silenceHangover)
	}

	pkt, err = enc.packet(voicedFrame(4000))
	if err != nil {
		t.Fatalf("packet: %v", err)
	}
	if len(pkt) == 0 || enc.encoded != silenceHangover+1 {
		t.Error("speech frame was not encoded")
	}
}

func TestMP3Args(t *testing.T) {
	args := strings.Join(mp3Args(96), " ")
	for _, want := range []string{"-ar 48000", "-ac 2", "-b:a 96k", "-f mp3"} {
		if !strings.Contains(args, want) {
			t.Errorf("mp3Args missing %q in %q", want, args)
		}
	}
}

func TestFeedPCM(t *testing.T) {
	b := NewBroadcaster[[]int16](4)
	l := b.Subscribe()
	l.C <- []int16{1, -1}
	l.C <- []int16{256}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- feedPCM(context.Background(), l, &buf) }()

	for deadline := time.Now().Add(time.Second); len(l.C) > 0 && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
	}
	b.Unsubscribe(l)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("feedPCM: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("feedPCM did not stop after unsubscribe")
	}
	want := []byte{1, 0, 0xff, 0xff, 0, 1}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("feedPCM wrote %v, want %v", buf.Bytes(), want)
	}
}

func TestFlushWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	n, err := flushWriter{rec, rec}.Write([]byte("mp3"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if !rec.Flushed {
		t.Error("chunk was not flushed")
	}
}
