package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// ErrorEvent is the event type used for synthetic error records
const ErrorEvent = "error"

// WriteRecord writes one record in the framing the Decoder understands
func WriteRecord(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", event, err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteError writes a terminal error record carrying message
func WriteError(w io.Writer, message string) error {
	return WriteRecord(w, ErrorEvent, map[string]any{
		"error": map[string]string{"message": message},
	})
}
