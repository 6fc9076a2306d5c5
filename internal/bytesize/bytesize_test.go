package bytesize

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"plain zero", "0", 0, false},
		{"plain bytes", "1024", 1024, false},
		{"bytes B", "1024B", 1024, false},
		{"kibibytes Ki", "1Ki", 1024, false},
		{"mebibytes MiB", "100MiB", 100 * 1024 * 1024, false},
		{"gibibytes Gi", "1Gi", 1024 * 1024 * 1024, false},
		{"kilobytes KB", "1KB", 1000, false},
		{"megabytes MB", "8MB", 8 * 1000 * 1000, false},
		{"fractional", "1.5Ki", 1536, false},
		{"whitespace", " 10 Mi ", 10 * 1024 * 1024, false},
		{"empty", "", 0, true},
		{"garbage", "lots", 0, true},
		{"bad unit", "10Xi", 0, true},
		{"unit only", "Mi", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("8Mi")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if b != 8*MiB {
		t.Errorf("got %d, want %d", b, 8*MiB)
	}
	if err := b.UnmarshalText([]byte("nope")); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   ByteSize
		want string
	}{
		{512, "512B"},
		{2 * KiB, "2.00KiB"},
		{3 * MiB, "3.00MiB"},
		{4 * GiB, "4.00GiB"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", uint64(tt.in), got, tt.want)
		}
	}
}
