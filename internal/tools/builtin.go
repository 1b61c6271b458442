package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// now is swapped in tests.
var now = time.Now

// RegisterBuiltins adds the tools every Hollowfire instance ships with.
func RegisterBuiltins(r *Registry) {
	r.Register(&Tool{
		Name:        "add",
		Description: "Add two numbers and return the sum.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number", "description": "First addend"},
				"b": map[string]any{"type": "number", "description": "Second addend"},
			},
			"required": []string{"a", "b"},
		},
		Handler: handleAdd,
	})

	r.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a named IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name (e.g., Europe/Berlin). Defaults to the server's local zone.",
				},
			},
		},
		Handler: handleCurrentTime,
	})

	r.Register(&Tool{
		Name:        "word_count",
		Description: "Count the whitespace-separated words in a piece of text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to count"},
			},
			"required": []string{"text"},
		},
		Handler: handleWordCount,
	})
}

func handleAdd(_ context.Context, args map[string]any) (string, error) {
	a, err := numberArg(args, "a")
	if err != nil {
		return "", err
	}
	b, err := numberArg(args, "b")
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(a+b, 'f', -1, 64), nil
}

func handleCurrentTime(_ context.Context, args map[string]any) (string, error) {
	t := now()
	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		t = t.In(loc)
	}
	return t.Format(time.RFC3339), nil
}

func handleWordCount(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("text is required")
	}
	return strconv.Itoa(len(strings.Fields(text))), nil
}

// numberArg reads a numeric argument. Models sometimes send numbers as
// strings, so those are accepted too.
func numberArg(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number, got %q", key, v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
