// Package core provides the business logic for guild activity imports.
//
// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// Error codes are grouped by category:
//
// # Activity Errors (ACT001-ACT099)
//
//	ACT001 - Bad header: CSV header lacks a required column
//	         Action: Export the CSV again with the expected columns
//	         Matched by type: *SchemaError
//
//	ACT002 - Rebuild failed: A month aggregate could not be rebuilt
//	         Action: Please try again; existing month totals were left unchanged
//	         Matched by type: *RebuildError
//
// # Database Errors (DB004-DB099)
//
//	DB004 - Connection refused      Patterns: "connection refused"
//	DB005 - Connection reset        Patterns: "connection reset"
//	DB006 - Timeout                 Patterns: "timeout"
//	DB007 - Deadlock                Patterns: "deadlock"
//	DB008 - Database locked         Patterns: "database is locked"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date           Patterns: "invalid date"
//	VAL007 - Invalid month          Patterns: "invalid month"
//	VAL008 - Invalid guild          Patterns: "invalid guild id"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large        Patterns: "file too large"
//	FILE004 - No file               Patterns: "no file provided"
//	FILE005 - Empty file            Patterns: "empty file"
//
// # Import Errors (UPL001-UPL099)
//
//	UPL001 - Import cancelled       Patterns: "import cancelled"
//	UPL002 - System busy            Patterns: "too many concurrent imports"
//	UPL003 - Session expired        Patterns: "import not found"
//	UPL004 - Request cancelled      Patterns: "context canceled"
//	UPL005 - Request timeout        Patterns: "context deadline exceeded"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Support staff should check application logs
// for the original technical error when users report ERR000.
//
// # Pattern Matching
//
// Typed errors are matched first with errors.As. Remaining errors are matched
// case-insensitively using strings.Contains; the first matching pattern wins,
// so more specific patterns are listed before general ones.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Import session errors (UPL001-UPL005)
	// Checked before database errors: "context deadline exceeded" would
	// otherwise never be reached behind the generic "timeout" pattern.
	// =========================================================================
	{
		pattern: "import cancelled",
		msg: UserMessage{
			Message: "Import was cancelled",
			Action:  "Start a new import when ready",
			Code:    "UPL001",
		},
	},
	{
		pattern: "too many concurrent imports",
		msg: UserMessage{
			Message: "System is busy processing other imports",
			Action:  "Please wait a moment and try again",
			Code:    "UPL002",
		},
	},
	{
		pattern: "import not found",
		msg: UserMessage{
			Message: "Import session not found",
			Action:  "The import may have expired. Please start a new import",
			Code:    "UPL003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "UPL005",
		},
	},

	// =========================================================================
	// Database connection errors (DB004-DB008)
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},
	{
		pattern: "database is locked",
		msg: UserMessage{
			Message: "Database was busy with another write",
			Action:  "Please try again",
			Code:    "DB008",
		},
	},

	// =========================================================================
	// Validation errors
	// =========================================================================
	{
		pattern: "invalid date",
		msg: UserMessage{
			Message: "Invalid date format detected",
			Action:  "Use YYYY-MM-DD",
			Code:    "VAL001",
		},
	},
	{
		pattern: "invalid month",
		msg: UserMessage{
			Message: "Invalid month",
			Action:  "Use YYYY-MM, for example 2024-03",
			Code:    "VAL007",
		},
	},
	{
		pattern: "invalid guild id",
		msg: UserMessage{
			Message: "Invalid server id",
			Action:  "Run the command from inside a server",
			Code:    "VAL008",
		},
	},

	// =========================================================================
	// File errors
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file by month and import each part",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was attached",
			Action:  "Attach a CSV file to import",
			Code:    "FILE004",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Please upload a CSV file with a header and data rows",
			Code:    "FILE005",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "Something went wrong",
	Action:  "Please try again or contact an administrator",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Typed engine errors are matched first, then known text patterns. If nothing
// matches, a generic fallback message with code ERR000 is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return UserMessage{
			Message: schemaErr.UserText(),
			Action:  "Export the CSV again with the expected columns",
			Code:    "ACT001",
		}
	}

	var rebuildErr *RebuildError
	if errors.As(err, &rebuildErr) {
		return UserMessage{
			Message: "Month aggregates could not be rebuilt",
			Action:  "Please try again; existing month totals were left unchanged",
			Code:    "ACT002",
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the generic ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
