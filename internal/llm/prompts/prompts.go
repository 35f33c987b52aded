package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/examhall/examhall/internal/model"
)

//go:embed templates/*.txt
var Templates embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxAnswerLen caps the student answer embedded in a prompt.
const maxAnswerLen = 8000

// Variant represents a judging prompt variant.
type Variant string

const (
	// VariantStrict is a strict grading variant for majors.
	VariantStrict Variant = "strict"
	// VariantStandard is the default grading variant.
	VariantStandard Variant = "standard"
	// VariantLenient is a lenient grading variant for electives.
	VariantLenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	VariantStrict:   true,
	VariantStandard: true,
	VariantLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

var (
	loadOnce       sync.Once
	loadErr        error
	judgeTemplates map[Variant]*template.Template
)

// JudgeData holds template data for judge prompts.
type JudgeData struct {
	QuestionText  string
	QuestionType  string
	Options       string
	CorrectAnswer string
	Answer        string
}

// Load parses the judge prompt templates from the given filesystem.
// It uses sync.Once so templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		judgeTemplates = make(map[Variant]*template.Template)

		for v := range validVariants {
			name := "templates/judge_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New("judge").Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			judgeTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildJudgePrompt builds a judging prompt for the given variant.
func BuildJudgePrompt(variant Variant, q model.Question, studentAnswer string) (string, error) {
	if judgeTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := judgeTemplates[variant]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := JudgeData{
		QuestionText:  q.Text,
		QuestionType:  string(q.Type),
		Options:       strings.Join(q.Options, "\n"),
		CorrectAnswer: q.CorrectAnswer,
		Answer:        SanitizeAnswer(studentAnswer),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SanitizeAnswer strips pseudo-tags a student could use to smuggle
// instructions past the prompt delimiters and caps the answer length.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	runes := []rune(answer)
	if len(runes) > maxAnswerLen {
		answer = string(runes[:maxAnswerLen])
	}
	return strings.TrimSpace(answer)
}
