package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	eng, err := NewEngine(EngineOptions{Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestEngineSynthesizeAppliesParams(t *testing.T) {
	var synthesized map[string]any
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/audio_query":
			if r.URL.Query().Get("text") != "こんにちは" || r.URL.Query().Get("speaker") != "7" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"accent_phrases":[],"volumeScale":1,"kana":"x"}`))
		case "/synthesis":
			if r.URL.Query().Get("enable_interrogative_upspeak") != "true" {
				t.Errorf("missing upspeak flag")
			}
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &synthesized); err != nil {
				t.Errorf("decode body: %v", err)
			}
			_, _ = w.Write([]byte("RIFF"))
		default:
			http.NotFound(w, r)
		}
	})

	params := DefaultVoiceParams()
	params.SpeakerID = 7
	params.Volume = 1.5
	params.Tempo = 0.75
	audio, err := eng.Synthesize(context.Background(), "こんにちは", params)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "RIFF" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if synthesized["volumeScale"] != 1.5 {
		t.Fatalf("expected volumeScale 1.5, got %v", synthesized["volumeScale"])
	}
	if synthesized["tempoDynamicsScale"] != 0.75 {
		t.Fatalf("expected tempoDynamicsScale 0.75, got %v", synthesized["tempoDynamicsScale"])
	}
	if _, ok := synthesized["rateScale"]; ok {
		t.Fatalf("rateScale is not a voice parameter, got %v", synthesized["rateScale"])
	}
	if synthesized["kana"] != "x" {
		t.Fatalf("expected unknown fields to survive, got %v", synthesized["kana"])
	}
}

func TestEngineErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnprocessableEntity, ErrBadRequest},
		{http.StatusInternalServerError, ErrNetwork},
	}
	for _, tc := range cases {
		eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := eng.Synthesize(context.Background(), "x", DefaultVoiceParams())
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestEngineUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	eng, err := NewEngine(EngineOptions{Endpoint: endpoint})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	_, err = eng.Synthesize(context.Background(), "x", DefaultVoiceParams())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestEngineDictionary(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/user_dict_word":
			if r.URL.Query().Get("surface") != "loqa" || r.URL.Query().Get("accent_type") != "1" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`"uuid-1"`))
		case r.Method == http.MethodGet && r.URL.Path == "/user_dict":
			_, _ = w.Write([]byte(`{"uuid-1":{"surface":"loqa","pronunciation":"ロカ","accent_type":1}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/user_dict_word/uuid-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	id, err := eng.AddWord(ctx, UserWord{Surface: "loqa", Pronunciation: "ロカ", AccentType: 1, WordType: "PROPER_NOUN"})
	if err != nil {
		t.Fatalf("add word: %v", err)
	}
	if id != "uuid-1" {
		t.Fatalf("unexpected uuid %q", id)
	}
	word, ok, err := eng.FindWord(ctx, "loqa")
	if err != nil || !ok {
		t.Fatalf("find word: ok=%v err=%v", ok, err)
	}
	if word.UUID != "uuid-1" || word.Pronunciation != "ロカ" {
		t.Fatalf("unexpected word %+v", word)
	}
	if err := eng.DeleteWord(ctx, word.UUID); err != nil {
		t.Fatalf("delete word: %v", err)
	}
}

func TestVoiceParamsSet(t *testing.T) {
	p := DefaultVoiceParams()
	if err := p.Set(ParamVolume, 1.2); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if p.Volume != 1.2 {
		t.Fatalf("expected volume 1.2, got %v", p.Volume)
	}
	if err := p.Set(ParamPitch, 1.5); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected range error, got %v", err)
	}
	if err := p.Set("loudness", 1); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected unknown param error, got %v", err)
	}
	if err := p.Set(ParamSpeakerID, 3.5); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected integer error, got %v", err)
	}
	if err := p.Set(ParamSpeakerID, 42); err != nil || p.SpeakerID != 42 {
		t.Fatalf("set speaker: %v (%d)", err, p.SpeakerID)
	}
}
