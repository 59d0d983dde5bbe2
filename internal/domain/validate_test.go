package domain

import (
	"errors"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	testCases := []struct {
		name    string
		kind    MutationKind
		raw     string
		wantErr bool
	}{
		{"valid article", CreateArticle, `{"url":"https://example.com/a","title":"A"}`, false},
		{"article without url", CreateArticle, `{"title":"A"}`, true},
		{"article with bad url", CreateArticle, `{"url":"not a url"}`, true},
		{"valid highlight", CreateHighlight, `{"article_url":"https://example.com/a","text":"quote"}`, false},
		{"highlight without text", CreateHighlight, `{"article_url":"https://example.com/a"}`, true},
		{"valid note", CreateNote, `{"article_url":"https://example.com/a","body":"thought"}`, false},
		{"unknown field", CreateNote, `{"article_url":"https://example.com/a","body":"x","extra":1}`, true},
		{"unknown kind", MutationKind("delete_everything"), `{}`, true},
		{"malformed json", CreateArticle, `{"url":`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePayload(tc.kind, []byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidMutation) {
					t.Fatalf("Expected ErrInvalidMutation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePayload() returned an unexpected error: %v", err)
			}
		})
	}
}

func TestEncodePayloadRejectsInvalid(t *testing.T) {
	if _, err := EncodePayload(CreateHighlight, HighlightPayload{ArticleURL: "https://example.com"}); err == nil {
		t.Error("Expected an error for a highlight without text")
	}
	raw, err := EncodePayload(CreateArticle, ArticlePayload{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("EncodePayload() returned an unexpected error: %v", err)
	}
	if len(raw) == 0 {
		t.Error("Expected encoded payload")
	}
}
