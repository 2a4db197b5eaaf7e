package models

const (
	MetaFilename   = "filename"
	MetaChunkIndex = "chunk_index"
	MetaLanguage   = "language"
	MetaDeployment = "deployment"

	ContextSeparator = "\n\n"
)

var (
	PromptTemplate = `Use the following context to answer the question. If you cannot answer based on the context, say so.

Context:
%s

Question: %s`

	BriefTemplate = `%s

%s`
)
