package core

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// ----------------------------------------------------------------------------
// CleanCell Tests
// ----------------------------------------------------------------------------

func TestCleanCell(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple string unchanged", input: "hello", want: "hello"},
		{name: "empty string", input: "", want: ""},
		{name: "surrounded by whitespace", input: "  hello  ", want: "hello"},

		// Excel formula prefix handling
		{name: "Excel formula with quotes", input: `="12345"`, want: "12345"},
		{name: "bare equals sign", input: "=42", want: "42"},

		// Quote handling
		{name: "double quotes removed", input: `"hello"`, want: "hello"},
		{name: "leading single quote (Excel text prefix)", input: "'123456789012345678", want: "123456789012345678"},
		{name: "whitespace inside quotes", input: `" 7 "`, want: "7"},

		// Edge cases
		{name: "only quotes", input: `""`, want: ""},
		{name: "excel formula with whitespace", input: `  ="2024-03"  `, want: "2024-03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanCell(tt.input)
			if got != tt.want {
				t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// MakeHeaderIndex Tests
// ----------------------------------------------------------------------------

func TestMakeHeaderIndex(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		checks map[string]int
	}{
		{
			name:   "export order",
			header: []string{"guild_id", "day", "user_id", "messages"},
			checks: map[string]int{"guild_id": 0, "day": 1, "user_id": 2, "messages": 3},
		},
		{
			name:   "case insensitive lookup",
			header: []string{"Messages", "USER_ID", "Day", "Guild_Id"},
			checks: map[string]int{"messages": 0, "user_id": 1, "day": 2, "guild_id": 3},
		},
		{
			name:   "headers with quotes and whitespace",
			header: []string{` "guild_id" `, " month "},
			checks: map[string]int{"guild_id": 0, "month": 1},
		},
		{
			name:   "empty header",
			header: []string{},
			checks: map[string]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := MakeHeaderIndex(tt.header)

			for key, wantPos := range tt.checks {
				gotPos, ok := idx[key]
				if !ok {
					t.Errorf("MakeHeaderIndex(%v)[%q] not found, want index %d", tt.header, key, wantPos)
					continue
				}
				if gotPos != wantPos {
					t.Errorf("MakeHeaderIndex(%v)[%q] = %d, want %d", tt.header, key, gotPos, wantPos)
				}
			}
		})
	}
}

func TestMakeHeaderIndex_DuplicateHeaders(t *testing.T) {
	idx := MakeHeaderIndex([]string{"messages", "day", "Messages"})

	if gotPos, ok := idx["messages"]; !ok || gotPos != 0 {
		t.Errorf("duplicate header: messages index = %d, want 0", gotPos)
	}
}

func TestBatchReader_DuplicateHeaderUsesFirst(t *testing.T) {
	input := "guild_id,day,user_id,messages,messages\n1,2024-03-01,10,5,99\n"
	br, err := NewBatchReader(strings.NewReader(input), DaySchema)
	if err != nil {
		t.Fatalf("NewBatchReader: %v", err)
	}
	row, err := br.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := row.Get(DaySchema, ColMessages); got != "5" {
		t.Errorf("messages = %q, want the first column's 5", got)
	}
}

func TestHeaderIndex_Missing(t *testing.T) {
	idx := MakeHeaderIndex([]string{"guild_id", "day", "user_id"})

	got := idx.Missing(DaySchema.Columns)
	want := []string{"messages"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Missing = %v, want %v", got, want)
	}

	full := MakeHeaderIndex([]string{"messages", "user_id", "day", "guild_id"})
	if got := full.Missing(DaySchema.Columns); got != nil {
		t.Errorf("Missing = %v, want nil", got)
	}
}

// ----------------------------------------------------------------------------
// Integer Parsing Tests
// ----------------------------------------------------------------------------

func TestParseInt(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "5", want: 5},
		{input: " 12 ", want: 12},
		{input: "-3", want: -3},
		{input: "0", want: 0},
		{input: `="40"`, want: 40},
		{input: "123456789012345678", want: 123456789012345678},
		{input: "", wantErr: true},
		{input: "5.0", wantErr: true},
		{input: "five", wantErr: true},
		{input: "1,000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInt(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidNumber) {
					t.Errorf("ParseInt(%q) error = %v, want ErrInvalidNumber", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInt(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseInt(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTenantCell_AcceptsAnyInteger(t *testing.T) {
	got, err := ParseTenantCell("0")
	if err != nil {
		t.Fatalf("ParseTenantCell(0) unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("ParseTenantCell(0) = %d, want 0", got)
	}

	if _, err := ParseTenantID("0"); !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("ParseTenantID(0) error = %v, want ErrInvalidTenant", err)
	}
}
