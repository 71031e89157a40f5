package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/speechstream"
)

type fakeUpstream struct {
	t        *testing.T
	setup    chan clientSetupMessage
	inputs   chan clientRealtimeInputMessage
	script   func(conn *websocket.Conn)
	upgrader websocket.Upgrader
}

func newFakeUpstream(t *testing.T, script func(conn *websocket.Conn)) (*fakeUpstream, *httptest.Server) {
	f := &fakeUpstream{
		t:      t,
		setup:  make(chan clientSetupMessage, 1),
		inputs: make(chan clientRealtimeInputMessage, 16),
		script: script,
	}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != "test-key" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var setup clientSetupMessage
	if err := conn.ReadJSON(&setup); err != nil {
		return
	}
	f.setup <- setup
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`{"setupComplete":{}}`)); err != nil {
		return
	}

	go func() {
		for {
			var input clientRealtimeInputMessage
			if err := conn.ReadJSON(&input); err != nil {
				return
			}
			f.inputs <- input
		}
	}()

	if f.script != nil {
		f.script(conn)
	}
	time.Sleep(500 * time.Millisecond)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeContent(t *testing.T, conn *websocket.Conn, content serverContent) {
	t.Helper()
	data, err := json.Marshal(serverMessage{ServerContent: &content})
	if err != nil {
		t.Errorf("failed to marshal content: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("failed to write content: %v", err)
	}
}

func TestConnectSendsSetupAndStreamsMessages(t *testing.T) {
	chunk := []int16{1, -2, 3, -4}
	upstream, server := newFakeUpstream(t, func(conn *websocket.Conn) {
		writeContent(t, conn, serverContent{
			ModelTurn: &content{Parts: []part{
				{InlineData: &blob{MIMEType: "audio/pcm;rate=24000", Data: audio.EncodeBase64(chunk)}},
				{InlineData: &blob{MIMEType: "audio/pcm;rate=24000", Data: "!!not base64!!"}},
			}},
			OutputTranscription: &transcription{Text: "Hola"},
		})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		writeContent(t, conn, serverContent{TurnComplete: true})
	})

	client, err := NewClient(WithAPIKey("test-key"), WithEndpoint(wsURL(server)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Connect(ctx, speechstream.SessionConfig{
		Model:             "gemini-test",
		SystemInstruction: "Say: Hola",
		VoiceName:         "Puck",
		LanguageCode:      "es-ES",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	setup := <-upstream.setup
	if setup.Setup.Model != "models/gemini-test" {
		t.Fatalf("expected model to be prefixed, got %q", setup.Setup.Model)
	}
	if !slices.Equal(setup.Setup.GenerationConfig.ResponseModalities, []string{"AUDIO"}) {
		t.Fatalf("expected audio modality, got %v", setup.Setup.GenerationConfig.ResponseModalities)
	}
	if setup.Setup.OutputAudioTranscription == nil {
		t.Fatalf("expected output transcription to be requested")
	}
	if setup.Setup.InputAudioTranscription != nil {
		t.Fatalf("expected input transcription to be off")
	}
	if got := setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Fatalf("expected voice Puck, got %q", got)
	}
	if got := setup.Setup.SystemInstruction.Parts[0].Text; got != "Say: Hola" {
		t.Fatalf("expected system instruction, got %q", got)
	}

	if err := stream.SendAudio(ctx, []int16{5, 6}); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	input := <-upstream.inputs
	if input.RealtimeInput.Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("expected 16 kHz pcm mime type, got %q", input.RealtimeInput.Audio.MIMEType)
	}
	if sent, _ := audio.DecodeBase64(input.RealtimeInput.Audio.Data); !slices.Equal(sent, []int16{5, 6}) {
		t.Fatalf("expected sent samples [5 6], got %v", sent)
	}

	var received []speechstream.Message
	for msg, err := range stream.Messages() {
		if err != nil {
			break
		}
		received = append(received, msg)
		if msg.TurnComplete {
			break
		}
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(received))
	}
	if !slices.Equal(received[0].Audio, chunk) {
		t.Fatalf("expected decodable chunk only, got %v", received[0].Audio)
	}
	if received[0].TranscriptDelta != "Hola" {
		t.Fatalf("expected transcript delta Hola, got %q", received[0].TranscriptDelta)
	}
	if !received[1].TurnComplete {
		t.Fatalf("expected turn complete")
	}
}

func TestConnectFailsOnRejectedHandshake(t *testing.T) {
	_, server := newFakeUpstream(t, nil)

	client, err := NewClient(WithAPIKey("wrong-key"), WithEndpoint(wsURL(server)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Connect(context.Background(), speechstream.SessionConfig{}); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, server := newFakeUpstream(t, nil)

	client, err := NewClient(WithAPIKey("test-key"), WithEndpoint(wsURL(server)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, err := client.Connect(context.Background(), speechstream.SessionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = stream.Close()
	_ = stream.Close()
	if err := stream.SendAudio(context.Background(), []int16{1}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestCloseReturnsWhileSendIsStalled(t *testing.T) {
	release := make(chan struct{})
	_, server := newFakeUpstream(t, func(conn *websocket.Conn) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	client, err := NewClient(WithAPIKey("test-key"), WithEndpoint(wsURL(server)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, err := client.Connect(context.Background(), speechstream.SessionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The upstream stops reading once its input buffer is full, so large
	// chunks soon leave a write blocked on the socket.
	chunk := make([]int16, 200_000)
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			if err := stream.SendAudio(context.Background(), chunk); err != nil {
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected close to return while a send is stalled")
	}
	select {
	case <-sendDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the stalled send to fail after close")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Fatalf("expected missing api key error")
	}
}
