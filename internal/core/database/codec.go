package db

import (
	"encoding/json"
	"fmt"

	"github.com/markdave123-py/sapling/internal/models"
)

// encodeMetadata renders m as a JSON object; nil becomes {} so that jsonb || merges are no-ops.
func encodeMetadata(m models.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(b []byte) (models.Metadata, error) {
	m := models.Metadata{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func encodeStrings(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}
