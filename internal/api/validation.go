package api

import (
	"fmt"
	"unicode"
)

const maxBuildIDLength = 200

func validateIngest(req IngestRequest) error {
	if req.Type == "" {
		return fmt.Errorf("type is required")
	}
	if req.BuildID == "" {
		return fmt.Errorf("buildID is required")
	}
	if len(req.BuildID) > maxBuildIDLength {
		return fmt.Errorf("buildID exceeds %d characters", maxBuildIDLength)
	}
	for _, r := range req.BuildID {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("buildID must not contain whitespace or control characters")
		}
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}
