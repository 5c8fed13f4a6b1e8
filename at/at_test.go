package at

import (
	"bufio"
	"strings"
	"testing"
)

// Test Classify function
func TestClassify(t *testing.T) {
	tests := []struct {
		line     string
		expected ResponseType
	}{
		{"OK", TypeFinal},
		{"ERROR", TypeFinal},
		{"CONNECT 115200", TypeFinal},
		{"NO CARRIER", TypeFinal},
		{"+CME ERROR: 10", TypeFinal},
		{"+CSQ: 18,99", TypeData},
		{"SIMCOM_SIM7600E-H", TypeData},
		{"RING", TypeURC},
		{"RDY", TypeURC},
		{"PB DONE", TypeURC},
		{"+CMTI: \"SM\",1", TypeURC},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := Classify(tt.line); got != tt.expected {
				t.Errorf("Classify(%q) = %v, want %v", tt.line, got, tt.expected)
			}
		})
	}
}

func TestIsError(t *testing.T) {
	tests := []struct {
		final    string
		expected bool
	}{
		{"OK", false},
		{"CONNECT", false},
		{"CONNECT 115200", false},
		{"ERROR", true},
		{"NO CARRIER", true},
		{"+CME ERROR: SIM not inserted", true},
		{"BUSY", true},
	}

	for _, tt := range tests {
		if got := IsError(tt.final); got != tt.expected {
			t.Errorf("IsError(%q) = %v, want %v", tt.final, got, tt.expected)
		}
	}
}

// Test Splitter with the line endings modems actually send
func TestSplitter(t *testing.T) {
	input := "\r\nOK\r\nAT+CSQ\r\r\n+CSQ: 18,99\r\n\r\nOK\nRDY\rtail"
	s := bufio.NewScanner(strings.NewReader(input))
	s.Split(Splitter)

	var got []string
	for s.Scan() {
		if s.Text() != "" {
			got = append(got, s.Text())
		}
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []string{"OK", "AT+CSQ", "+CSQ: 18,99", "OK", "RDY", "tail"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Splitter lines = %q, want %q", got, want)
	}
}

func TestResponseType_String(t *testing.T) {
	if TypeFinal.String() != "Final" || TypeURC.String() != "URC" || TypeData.String() != "Data" {
		t.Error("unexpected ResponseType names")
	}
	if ResponseType(42).String() != "Unknown" {
		t.Errorf("ResponseType(42).String() = %q, want Unknown", ResponseType(42).String())
	}
}
