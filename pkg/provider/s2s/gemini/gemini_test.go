package gemini_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/memory"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
	"github.com/medilearn/livevoice/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := sonic.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithSetupTimeout(3*time.Second))
}

// collectEvents reads the event stream until it is closed.
func collectEvents(t *testing.T, ch <-chan s2s.Event) []s2s.Event {
	t.Helper()
	var got []s2s.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timeout waiting for event stream to close; got %v", got)
			return nil
		}
	}
}

// ── Provider ──────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputFormat != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("InputFormat = %v", caps.InputFormat)
	}
	if caps.OutputFormat != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("OutputFormat = %v", caps.OutputFormat)
	}
	var zephyr bool
	for _, v := range caps.Voices {
		if v.ID == "Zephyr" {
			zephyr = true
		}
	}
	if !zephyr {
		t.Error("Voices should include Zephyr")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription *map[string]any `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions:        "You are Senior Consultant Zephyr.",
		Voice:               s2s.VoiceProfile{ID: "Charon"},
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := <-received
	if want := "models/custom-model"; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", got)
	}
	if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Charon" {
		t.Errorf("speechConfig = %+v; want voice Charon", sc)
	}
	if si := msg.Setup.SystemInstruction; si == nil || len(si.Parts) == 0 || si.Parts[0].Text != "You are Senior Consultant Zephyr." {
		t.Errorf("unexpected system instruction: %+v", si)
	}
	if msg.Setup.InputAudioTranscription != nil {
		t.Error("inputAudioTranscription should be omitted")
	}
	if msg.Setup.OutputAudioTranscription == nil {
		t.Error("outputAudioTranscription should be present")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if q := <-query; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	result := make(chan error, 1)
	go func() {
		handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
		if err == nil {
			defer handle.Close()
		}
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("Connect returned before setupComplete: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-result; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnect_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler func(t *testing.T, conn *websocket.Conn)
	}{
		{
			name: "server error during setup",
			handler: func(t *testing.T, conn *websocket.Conn) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				writeJSON(t, conn, map[string]any{
					"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
				})
				<-conn.CloseRead(context.Background()).Done()
			},
		},
		{
			name: "connection closed before ack",
			handler: func(t *testing.T, conn *websocket.Conn) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				conn.Close(websocket.StatusPolicyViolation, "invalid model")
			},
		},
		{
			name: "no ack before timeout",
			handler: func(t *testing.T, conn *websocket.Conn) {
				<-conn.CloseRead(context.Background()).Done()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				tc.handler(t, conn)
			})
			p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)), gemini.WithSetupTimeout(200*time.Millisecond))
			handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
			if err == nil {
				handle.Close()
				t.Fatal("Connect should fail")
			}
			if handle != nil {
				t.Error("failed Connect must not return a handle")
			}
		})
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("err = %v; want dial error", err)
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(audio.AudioFrame{Data: wantPCM, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = handle.SendAudio(audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 1})
	if !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_ArrivalOrder(t *testing.T) {
	t.Parallel()

	pcm1 := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	pcm2 := []byte{0x11, 0x22}

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "what is the diagnosis"}},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Consider"},
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm1)}},
						{"inlineData": map[string]any{"data": base64.StdEncoding.EncodeToString(pcm2)}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collectEvents(t, handle.Events())

	want := []s2s.Event{
		{Kind: s2s.EventTranscript, Speaker: memory.SpeakerCaller, Text: "what is the diagnosis"},
		{Kind: s2s.EventTranscript, Speaker: memory.SpeakerRemote, Text: "Consider"},
		{Kind: s2s.EventAudio, Audio: pcm1, MIMEType: "audio/pcm;rate=24000"},
		{Kind: s2s.EventAudio, Audio: pcm2, MIMEType: "audio/pcm;rate=24000"},
		{Kind: s2s.EventInterrupted},
		{Kind: s2s.EventTurnComplete},
		{Kind: s2s.EventClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events %v; want %d", len(got), got, len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Kind != w.Kind || g.Speaker != w.Speaker || g.Text != w.Text ||
			g.MIMEType != w.MIMEType || string(g.Audio) != string(w.Audio) {
			t.Errorf("event[%d] = %v; want %v", i, g, w)
		}
	}
}

func TestEvents_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collectEvents(t, handle.Events())
	if len(got) != 1 || got[0].Kind != s2s.EventError || got[0].Err == nil {
		t.Fatalf("events = %v; want a single ERROR", got)
	}
	if err := handle.SendAudio(audio.AudioFrame{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after transport loss = %v; want ErrSessionClosed", err)
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collectEvents(t, handle.Events())
	if len(got) != 1 || got[0].Kind != s2s.EventError {
		t.Fatalf("events = %v; want a single ERROR", got)
	}
	if !strings.Contains(got[0].Err.Error(), "internal") {
		t.Errorf("err = %v; want server message", got[0].Err)
	}
}

func TestClose_EmitsClosedOnce(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for range 3 {
		if err := handle.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	got := collectEvents(t, handle.Events())
	if len(got) != 1 || got[0].Kind != s2s.EventClosed {
		t.Fatalf("events = %v; want a single CLOSED", got)
	}
}
