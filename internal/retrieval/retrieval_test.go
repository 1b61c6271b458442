package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// keywordEmbedder maps text to a fixed 3-d vector by keyword so
// rankings are predictable.
type keywordEmbedder struct {
	calls int
	fail  string
}

func (e *keywordEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.fail != "" && text == e.fail {
		return nil, errors.New("embedder down")
	}
	switch {
	case strings.Contains(text, "cat"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "dog"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"", L2, false},
		{"l2", L2, false},
		{"IndexFlatL2", L2, false},
		{"IndexFlatIP", InnerProduct, false},
		{"ip", InnerProduct, false},
		{"cosine", Cosine, false},
		{"hnsw", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMetric(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIndexes_Retrieve(t *testing.T) {
	for _, typ := range []string{"l2", "ip", "cosine"} {
		t.Run(typ, func(t *testing.T) {
			emb := &keywordEmbedder{}
			s := NewIndexes(emb)
			matches, err := s.Retrieve(context.Background(), "default", Query{
				Data:      []string{"the dog barks", "a cat sleeps", "weather report"},
				Query:     "where is the cat",
				K:         1,
				IndexType: typ,
			})
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if len(matches) != 1 || matches[0].Text != "a cat sleeps" {
				t.Errorf("matches = %+v", matches)
			}
		})
	}
}

func TestIndexes_PerConversationAndDedup(t *testing.T) {
	emb := &keywordEmbedder{}
	s := NewIndexes(emb)
	ctx := context.Background()

	q := Query{Data: []string{"a cat sleeps", "a cat sleeps"}, Query: "cat", K: 5}
	if _, err := s.Retrieve(ctx, "a", q); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retrieve(ctx, "a", q); err != nil {
		t.Fatal(err)
	}
	if n := s.For("a").Len(); n != 1 {
		t.Errorf("index a has %d entries, want 1", n)
	}
	if n := s.For("b").Len(); n != 0 {
		t.Errorf("index b has %d entries, want 0", n)
	}
	// One passage embedding plus one query embedding per call.
	if emb.calls != 3 {
		t.Errorf("embedder calls = %d, want 3", emb.calls)
	}
}

func TestIndexes_Errors(t *testing.T) {
	s := NewIndexes(&keywordEmbedder{fail: "bad"})
	ctx := context.Background()

	if _, err := s.Retrieve(ctx, "a", Query{Query: "x", IndexType: "hnsw"}); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("unknown type err = %v", err)
	}
	if _, err := s.Retrieve(ctx, "a", Query{Query: "  "}); err == nil {
		t.Error("empty query accepted")
	}
	if _, err := s.Retrieve(ctx, "a", Query{Data: []string{"ok", "bad"}, Query: "x"}); err == nil {
		t.Error("embedder failure not reported")
	}
	if n := s.For("a").Len(); n != 1 {
		t.Errorf("passages embedded before the failure = %d, want 1", n)
	}
}

func TestFormat(t *testing.T) {
	got := Format([]Match{{Text: "one"}, {Text: "two"}})
	want := "Relevant context retrieved for this request:\n1. one\n2. two"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}
