package dcon

import (
	"errors"
	"testing"
)

func TestEncodeWrite(t *testing.T) {
	tests := []struct {
		name     string
		moduleID int
		address  int
		channel  int
		value    int
		want     string
	}{
		{
			name:     "pump start on",
			moduleID: 0x7050, address: 1, channel: 5, value: 1,
			want: "7050010501\r",
		},
		{
			name:     "valve off",
			moduleID: 0x7050, address: 1, channel: 3, value: 0,
			want: "7050010300\r",
		},
		{
			name:     "max fields",
			moduleID: 0xFFFF, address: 0xFF, channel: 0xFF, value: 0xFF,
			want: "FFFFFFFFFF\r",
		},
		{
			name:     "zero fields",
			moduleID: 0, address: 0, channel: 0, value: 0,
			want: "0000000000\r",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeWrite(tt.moduleID, tt.address, tt.channel, tt.value)
			if err != nil {
				t.Fatalf("EncodeWrite failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodeWrite = %q, want %q", got, tt.want)
			}
			if len(got) != 11 {
				t.Errorf("frame length = %d, want 11", len(got))
			}
			if got[len(got)-1] != Terminator {
				t.Errorf("frame not CR-terminated: %q", got)
			}
		})
	}
}

func TestEncodeWrite_OutOfRange(t *testing.T) {
	tests := []struct {
		name     string
		moduleID int
		address  int
		channel  int
		value    int
	}{
		{"value too large", 0x7050, 1, 5, 256},
		{"value negative", 0x7050, 1, 5, -1},
		{"channel too large", 0x7050, 1, 256, 0},
		{"channel negative", 0x7050, 1, -1, 0},
		{"address too large", 0x7050, 256, 5, 0},
		{"address negative", 0x7050, -2, 5, 0},
		{"module too large", 0x10000, 1, 5, 0},
		{"module negative", -1, 1, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeWrite(tt.moduleID, tt.address, tt.channel, tt.value)
			if !errors.Is(err, ErrValueOutOfRange) {
				t.Errorf("EncodeWrite error = %v, want ErrValueOutOfRange", err)
			}
		})
	}
}

func TestEncodeRead(t *testing.T) {
	got, err := EncodeRead(0x7017, 2, 0)
	if err != nil {
		t.Fatalf("EncodeRead failed: %v", err)
	}
	if got != "70170200\r" {
		t.Errorf("EncodeRead = %q, want %q", got, "70170200\r")
	}

	if _, err := EncodeRead(0x7017, 300, 0); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("expected ErrValueOutOfRange for bad address, got %v", err)
	}
	if _, err := EncodeRead(0x7017, 2, -1); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("expected ErrValueOutOfRange for bad channel, got %v", err)
	}
}

func TestParseAnalogResponse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		index   int
		want    float64
		wantErr error
	}{
		{
			name:  "value at configured index",
			line:  "0.000 1.250 2.500 3.750 5.000 11.614 0.000 0.000",
			index: 5,
			want:  11.614,
		},
		{
			name:  "first token",
			line:  "4.02",
			index: 0,
			want:  4.02,
		},
		{
			name:  "extra whitespace tolerated",
			line:  "  1.0\t 2.0   3.0 ",
			index: 2,
			want:  3.0,
		},
		{
			name:    "empty line",
			line:    "",
			index:   0,
			wantErr: ErrShortResponse,
		},
		{
			name:    "too few tokens",
			line:    "1.0 2.0 3.0",
			index:   5,
			wantErr: ErrShortResponse,
		},
		{
			name:    "non-numeric token",
			line:    "1.0 2.0 ERR 4.0 5.0 6.0",
			index:   2,
			wantErr: ErrBadToken,
		},
		{
			name:    "negative index",
			line:    "1.0 2.0",
			index:   -1,
			wantErr: ErrShortResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalogResponse(tt.line, tt.index)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseAnalogResponse error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAnalogResponse failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAnalogResponse = %v, want %v", got, tt.want)
			}
		})
	}
}
