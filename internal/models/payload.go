package models

import (
	"encoding/json"
	"fmt"
)

// TranscriptionPayload carries the inputs for a transcription job.
type TranscriptionPayload struct {
	DocumentID   int64    `json:"documentId"`
	SourceID     int64    `json:"sourceId"`
	TranscriptID int64    `json:"transcriptId"`
	AudioPaths   []string `json:"audioPaths"`
}

// SummaryPayload carries the inputs for a summary job.
type SummaryPayload struct {
	DocumentID    int64  `json:"documentId"`
	ModelOverride string `json:"modelOverride,omitempty"`
}

// JudgePayload carries the inputs for a judge job comparing transcript variants.
type JudgePayload struct {
	DocumentID    int64   `json:"documentId"`
	TranscriptIDs []int64 `json:"transcriptIds"`
}

// EncodePayload serializes a job payload for persistence.
func EncodePayload(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	return data, nil
}

// DecodeTranscriptionPayload decodes the payload of a transcription job.
func DecodeTranscriptionPayload(data []byte) (*TranscriptionPayload, error) {
	var p TranscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode transcription payload: %w", err)
	}
	return &p, nil
}

// DecodeSummaryPayload decodes the payload of a summary job.
func DecodeSummaryPayload(data []byte) (*SummaryPayload, error) {
	var p SummaryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode summary payload: %w", err)
	}
	return &p, nil
}

// DecodeJudgePayload decodes the payload of a judge job.
func DecodeJudgePayload(data []byte) (*JudgePayload, error) {
	var p JudgePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode judge payload: %w", err)
	}
	return &p, nil
}
