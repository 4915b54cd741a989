package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bken/aecd/internal/config"
	"bken/aecd/internal/jitter"
)

func TestFrameRoundTrip(t *testing.T) {
	data := MarshalFrame(0x0102, 0xFFFE, []byte{7, 8, 9})
	if len(data) != headerSize+3 {
		t.Fatalf("len = %d", len(data))
	}
	sender, seq, payload, ok := ParseFrame(data)
	if !ok || sender != 0x0102 || seq != 0xFFFE || string(payload) != "\x07\x08\x09" {
		t.Fatalf("ParseFrame = %d %d %v %v", sender, seq, payload, ok)
	}
}

func TestParseFrameShort(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		if _, _, _, ok := ParseFrame(make([]byte, n)); ok {
			t.Errorf("ParseFrame accepted %d bytes", n)
		}
	}
	if _, _, p, ok := ParseFrame(make([]byte, 4)); !ok || len(p) != 0 {
		t.Error("header-only frame should parse with an empty payload")
	}
}

func TestFuncSource(t *testing.T) {
	src := NewFunc(func(ctx context.Context, emit func([]float32)) error {
		for i := range 3 {
			emit([]float32{float32(i)})
		}
		<-ctx.Done()
		return ctx.Err()
	})

	var mu sync.Mutex
	var got []Block
	done := make(chan struct{})
	err := src.Start(func(b Block) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, Block{Seq: b.Seq, Samples: append([]float32(nil), b.Samples...)})
		if len(got) == 3 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(func(Block) {}); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocks not delivered")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop = %v", err)
	}
	for i, b := range got {
		if b.Seq != uint64(i+1) || b.Samples[0] != float32(i) {
			t.Fatalf("block %d = %+v", i, b)
		}
	}
}

func TestFuncSourceReturnsRunError(t *testing.T) {
	boom := errors.New("boom")
	src := NewFunc(func(ctx context.Context, _ func([]float32)) error {
		<-ctx.Done()
		return boom
	})
	src.Start(func(Block) {})
	if err := src.Stop(); !errors.Is(err, boom) {
		t.Fatalf("Stop = %v, want %v", err, boom)
	}
}

type fakeDecoder struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDecoder) record(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *fakeDecoder) DecodeFloat32(data []byte, pcm []float32) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("empty packet")
	}
	d.record("decode")
	for i := range pcm {
		pcm[i] = float32(data[0]) / 100
	}
	return len(pcm), nil
}

func (d *fakeDecoder) DecodeFECFloat32(data []byte, pcm []float32) error {
	d.record("fec")
	for i := range pcm {
		pcm[i] = float32(data[0]) / 200
	}
	return nil
}

func (d *fakeDecoder) DecodePLCFloat32(pcm []float32) error {
	d.record("plc")
	for i := range pcm {
		pcm[i] = 0.001
	}
	return nil
}

type decoderSet struct {
	mu   sync.Mutex
	decs []*fakeDecoder
}

func (s *decoderSet) factory(int, int) (Decoder, error) {
	d := &fakeDecoder{}
	s.mu.Lock()
	s.decs = append(s.decs, d)
	s.mu.Unlock()
	return d, nil
}

func remoteFormat() config.AEC {
	cfg := config.Default()
	cfg.FramesPerBuffer = 480
	return cfg
}

func TestNewRemoteValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RemoteConfig)
		want   error
	}{
		{"no url", func(c *RemoteConfig) { c.URL = "" }, ErrNoURL},
		{"odd frame", func(c *RemoteConfig) { c.Frame = 15 * time.Millisecond }, ErrUnsupported},
		{"odd rate", func(c *RemoteConfig) { c.Format.SampleRate = 44100 }, ErrUnsupported},
		{"too many channels", func(c *RemoteConfig) { c.Format.ChannelsPerFrame = 4 }, ErrUnsupported},
		{"ok", func(*RemoteConfig) {}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RemoteConfig{URL: "ws://127.0.0.1:1/feed", Format: remoteFormat()}
			tt.mutate(&cfg)
			_, err := NewRemote(cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewRemote = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRemoteTickMixesAndConceals(t *testing.T) {
	set := &decoderSet{}
	r, err := NewRemote(RemoteConfig{
		URL: "ws://unused", Format: remoteFormat(), JitterDepth: 1, Decoders: set.factory,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(r.mix); n != 960 {
		t.Fatalf("20 ms at 48 kHz mono = %d samples, want 960", n)
	}

	r.push(1, 0, []byte{10})
	r.push(2, 0, []byte{20})
	b := r.tick(time.Now())
	if b.Seq != 1 || !near(b.Samples[0], 0.3) {
		t.Fatalf("mixed sample = %v, want 0.3", b.Samples[0])
	}

	// Sender 1 lost seq 1 but seq 2 arrived; sender 2 lost seq 1 outright.
	r.push(1, 2, []byte{40})
	b = r.tick(time.Now())
	if !near(b.Samples[0], 0.2+0.001) {
		t.Fatalf("concealed sample = %v, want 0.201", b.Samples[0])
	}
	if got := set.decs[0].calls; strings.Join(got, ",") != "decode,fec" {
		t.Fatalf("sender 1 calls = %v", got)
	}
	if got := set.decs[1].calls; strings.Join(got, ",") != "decode,plc" {
		t.Fatalf("sender 2 calls = %v", got)
	}
}

func TestRemoteTickClampsAndSilence(t *testing.T) {
	set := &decoderSet{}
	r, _ := NewRemote(RemoteConfig{URL: "ws://unused", Format: remoteFormat(), JitterDepth: 1, Decoders: set.factory})

	if b := r.tick(time.Now()); b.Samples[0] != 0 || len(b.Samples) != 960 {
		t.Fatal("idle tick should deliver a full block of silence")
	}
	r.push(1, 0, []byte{90})
	r.push(2, 0, []byte{90})
	if b := r.tick(time.Now()); b.Samples[0] != 1 {
		t.Fatalf("mixed sample = %v, want clamp to 1", b.Samples[0])
	}
}

func TestRemoteDecodeErrorsCounted(t *testing.T) {
	set := &decoderSet{}
	r, _ := NewRemote(RemoteConfig{URL: "ws://unused", Format: remoteFormat(), JitterDepth: 1, Decoders: set.factory})
	r.push(1, 0, []byte{})
	b := r.tick(time.Now())
	if st := r.Stats(); st.DecodeErrors != 1 || st.Packets != 1 {
		t.Fatalf("Stats = %+v", st)
	}
	if b.Samples[0] != 0 {
		t.Fatal("undecodable frame should leave silence")
	}
}

func TestRemoteStatsAdd(t *testing.T) {
	old := RemoteStats{
		Packets: 10, Malformed: 1, Reconnects: 2, Connected: true,
		Jitter: jitter.Stats{Played: 8, Late: 1, Senders: 3, Buffering: 2},
	}
	cur := RemoteStats{
		Packets: 4, DecodeErrors: 1,
		Jitter: jitter.Stats{Played: 3, Missing: 1, Senders: 1},
	}
	got := old.Add(cur)
	want := RemoteStats{
		Packets: 14, Malformed: 1, DecodeErrors: 1, Reconnects: 2, Connected: false,
		Jitter: jitter.Stats{Played: 11, Missing: 1, Late: 1, Senders: 1, Buffering: 0},
	}
	if got != want {
		t.Fatalf("Add = %+v, want %+v", got, want)
	}
}

func near(a, b float32) bool {
	d := a - b
	return d < 1e-5 && d > -1e-5
}

func TestRemoteOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		for seq := range uint16(10) {
			conn.WriteMessage(websocket.BinaryMessage, MarshalFrame(7, seq, []byte{50}))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	set := &decoderSet{}
	r, err := NewRemote(RemoteConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed",
		Format:      remoteFormat(),
		Frame:       10 * time.Millisecond,
		JitterDepth: 1,
		Decoders:    set.factory,
	})
	if err != nil {
		t.Fatal(err)
	}

	heard := make(chan struct{}, 1)
	if err := r.Start(func(b Block) {
		if len(b.Samples) == 480 && near(b.Samples[0], 0.5) {
			select {
			case heard <- struct{}{}:
			default:
			}
		}
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-heard:
	case <-time.After(3 * time.Second):
		t.Fatal("far-end audio never reached the block handler")
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Packets < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	st := r.Stats()
	if st.Packets != 10 || st.Malformed != 1 {
		t.Fatalf("Stats = %+v", st)
	}
	if st.Connected {
		t.Fatal("still connected after Stop")
	}
}

func TestRemoteStopWhileDialing(t *testing.T) {
	r, _ := NewRemote(RemoteConfig{URL: "ws://127.0.0.1:1/feed", Format: remoteFormat()})
	r.Start(func(Block) {})
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung while the feed was unreachable")
	}
}
