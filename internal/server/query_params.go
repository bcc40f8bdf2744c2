package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func pathID(c *gin.Context) string {
	return strings.TrimSpace(c.Param("id"))
}

func parseOptionalInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, newValidationError("invalid query parameter", name)
	}
	return value, nil
}

func parseOptionalBool(c *gin.Context, name string) (bool, bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, newValidationError("invalid query parameter", name)
	}
	return value, true, nil
}

func parseOptionalSnowflakeID(c *gin.Context, name string) (snowflake.ID, bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, false, nil
	}
	value, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, false, newValidationError("invalid query parameter", name)
	}
	return value, true, nil
}

func parseOptionalTime(c *gin.Context, name string) (time.Time, bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, false, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, newValidationError("invalid query parameter", name)
	}
	return value, true, nil
}
