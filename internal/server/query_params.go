package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
)

// parseID reads a snowflake id from a path or query value. A blank optional
// value yields zero; anything else unparseable is a validation error on field.
func parseID(field, value string, required bool) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" && !required {
		return 0, nil
	}
	id, err := snowflake.ParseString(trimmed)
	if err != nil || id <= 0 {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+strings.ReplaceAll(field, "_", " "))
	}
	return id, nil
}
