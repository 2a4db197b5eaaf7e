package models

import "errors"

var (
	ErrValidation           = errors.New("validation error")
	ErrParse                = errors.New("parse error")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrIndexUnavailable     = errors.New("index unavailable")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrTokenizerUnavailable = errors.New("tokenizer unavailable")
)
