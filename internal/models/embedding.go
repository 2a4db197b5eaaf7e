package models

// Document is an uploaded file and the text extracted from it. It only lives
// for the duration of an ingestion request.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
	Text        string
	Language    string
}

// Chunk represents a split segment of a document with metadata
type Chunk struct {
	ID       string
	Content  string
	ChunkID  int
	Metadata map[string]string
}

// Match is a chunk returned by a similarity search
type Match struct {
	Chunk Chunk
	Score float32
}

// PromptResponse is an answer with the files its context was taken from
type PromptResponse struct {
	Query   string
	Source  string
	Content string
}
