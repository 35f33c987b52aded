package llm

import (
	"strings"
	"testing"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantCorrect bool
		wantScore   float64
		wantErr     bool
	}{
		{"plain JSON", `{"is_correct": true, "score": 1.0, "feedback": "good"}`, true, 1.0, false},
		{"fenced JSON", "```json\n{\"is_correct\": false, \"score\": 0.5, \"feedback\": \"partial\"}\n```", false, 0.5, false},
		{"prose around JSON", `Here is my assessment: {"is_correct": false, "score": 0.0, "feedback": "no"} Done.`, false, 0.0, false},
		{"score clamped high", `{"is_correct": true, "score": 7, "feedback": "x"}`, true, 1.0, false},
		{"score clamped low", `{"is_correct": false, "score": -2, "feedback": "x"}`, false, 0.0, false},
		{"no JSON", `the student did well`, false, 0, true},
		{"malformed JSON", `{"is_correct": `, false, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict: %v", err)
			}
			if v.IsCorrect != tt.wantCorrect {
				t.Errorf("is_correct = %v, want %v", v.IsCorrect, tt.wantCorrect)
			}
			if v.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", v.Score, tt.wantScore)
			}
		})
	}
}

func TestParseVerdictKeepsFeedback(t *testing.T) {
	v, err := parseVerdict(`{"is_correct": false, "score": 0.2, "feedback": "mentioned osmosis but not diffusion"}`)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if !strings.Contains(v.Feedback, "osmosis") {
		t.Errorf("feedback lost: %q", v.Feedback)
	}
}
