package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Word types accepted by the engine's user dictionary.
var WordTypes = []string{
	"PROPER_NOUN",
	"LOCATION_NAME",
	"ORGANIZATION_NAME",
	"PERSON_NAME",
	"PERSON_FAMILY_NAME",
	"PERSON_GIVEN_NAME",
	"COMMON_NOUN",
	"VERB",
	"ADJECTIVE",
	"SUFFIX",
}

// UserWord is one pronunciation override registered with the engine.
type UserWord struct {
	UUID          string `json:"-"`
	Surface       string `json:"surface"`
	Pronunciation string `json:"pronunciation"`
	AccentType    int    `json:"accent_type"`
	WordType      string `json:"word_type,omitempty"`
}

// ValidWordType reports whether t is one of WordTypes.
func ValidWordType(t string) bool {
	for _, w := range WordTypes {
		if w == t {
			return true
		}
	}
	return false
}

func wordQuery(w UserWord) url.Values {
	q := url.Values{}
	q.Set("surface", w.Surface)
	q.Set("pronunciation", w.Pronunciation)
	q.Set("accent_type", strconv.Itoa(w.AccentType))
	if w.WordType != "" {
		q.Set("word_type", w.WordType)
	}
	return q
}

// AddWord registers a word and returns the UUID the engine assigned.
func (e *Engine) AddWord(ctx context.Context, w UserWord) (string, error) {
	raw, err := e.do(ctx, http.MethodPost, "/user_dict_word", wordQuery(w), nil)
	if err != nil {
		return "", fmt.Errorf("add user word: %w", err)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: decode word uuid: %v", ErrBadRequest, err)
	}
	return id, nil
}

// UpdateWord rewrites the word registered under w.UUID.
func (e *Engine) UpdateWord(ctx context.Context, w UserWord) error {
	if w.UUID == "" {
		return fmt.Errorf("%w: word uuid required", ErrBadRequest)
	}
	if _, err := e.do(ctx, http.MethodPut, "/user_dict_word/"+url.PathEscape(w.UUID), wordQuery(w), nil); err != nil {
		return fmt.Errorf("update user word: %w", err)
	}
	return nil
}

func (e *Engine) DeleteWord(ctx context.Context, uuid string) error {
	if uuid == "" {
		return fmt.Errorf("%w: word uuid required", ErrBadRequest)
	}
	if _, err := e.do(ctx, http.MethodDelete, "/user_dict_word/"+url.PathEscape(uuid), nil, nil); err != nil {
		return fmt.Errorf("delete user word: %w", err)
	}
	return nil
}

// Words returns the engine dictionary keyed by UUID.
func (e *Engine) Words(ctx context.Context) (map[string]UserWord, error) {
	raw, err := e.do(ctx, http.MethodGet, "/user_dict", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list user words: %w", err)
	}
	var words map[string]UserWord
	if err := json.Unmarshal(raw, &words); err != nil {
		return nil, fmt.Errorf("%w: decode user dict: %v", ErrBadRequest, err)
	}
	for id, w := range words {
		w.UUID = id
		words[id] = w
	}
	return words, nil
}

// FindWord looks up a word's UUID by its surface form.
func (e *Engine) FindWord(ctx context.Context, surface string) (UserWord, bool, error) {
	words, err := e.Words(ctx)
	if err != nil {
		return UserWord{}, false, err
	}
	for _, w := range words {
		if w.Surface == surface {
			return w, true, nil
		}
	}
	return UserWord{}, false, nil
}
