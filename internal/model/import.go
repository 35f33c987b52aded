package model

// ImportFile is the on-disk format for a question pool file: an
// optional source document plus its questions.
type ImportFile struct {
	Document  *Document        `json:"document,omitempty"`
	Questions []QuestionImport `json:"questions"`
}

// QuestionImport is one question as authored in an import file.
type QuestionImport struct {
	Text          string            `json:"text"`
	Type          QuestionType      `json:"type"`
	Options       []string          `json:"options,omitempty"`
	CorrectAnswer string            `json:"correct_answer"`
	Topic         string            `json:"topic"`
	Difficulty    Difficulty        `json:"difficulty"`
	SourceRefs    []SourceReference `json:"source_references,omitempty"`
}
