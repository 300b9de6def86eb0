package model

import "testing"

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{in: "dry", want: CategoryDry},
		{in: "wet", want: CategoryWet},
		{in: "", wantErr: true},
		{in: "plastic", wantErr: true},
		{in: "Dry", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseCategory(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCategory(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCategory(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCategory(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCentsToDecimal(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{2500, "25"},
		{2550, "25.5"},
		{1, "0.01"},
		{0, "0"},
	}

	for _, tt := range tests {
		if got := CentsToDecimal(tt.cents).String(); got != tt.want {
			t.Errorf("CentsToDecimal(%d) = %s, want %s", tt.cents, got, tt.want)
		}
	}
}
