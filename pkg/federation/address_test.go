package federation

import (
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      Address
		wantError bool
		errorMsg  string
	}{
		{
			name:  "valid publication address",
			input: "news@alpha.example",
			want: Address{
				Handle: "news",
				Domain: "alpha.example",
			},
		},
		{
			name:  "valid personal site",
			input: "blog@bravo.collective.local",
			want: Address{
				Handle: "blog",
				Domain: "bravo.collective.local",
			},
		},
		{
			name:  "complex domain",
			input: "archive@media.us-west.example.net",
			want: Address{
				Handle: "archive",
				Domain: "media.us-west.example.net",
			},
		},
		{
			name:  "numeric handle",
			input: "site123@test.example",
			want: Address{
				Handle: "site123",
				Domain: "test.example",
			},
		},
		{
			name:  "uppercase is canonicalized",
			input: "News@Alpha.Example",
			want: Address{
				Handle: "news",
				Domain: "alpha.example",
			},
		},
		{
			name:  "surrounding whitespace is trimmed",
			input: "  news@alpha.example ",
			want: Address{
				Handle: "news",
				Domain: "alpha.example",
			},
		},
		{
			name:  "short domain",
			input: "s@a.b",
			want: Address{
				Handle: "s",
				Domain: "a.b",
			},
		},

		// Invalid formats
		{
			name:      "empty address",
			input:     "",
			wantError: true,
			errorMsg:  "address cannot be empty",
		},
		{
			name:      "missing @ symbol",
			input:     "alpha.example",
			wantError: true,
			errorMsg:  "must contain exactly one @ symbol",
		},
		{
			name:      "missing domain",
			input:     "news@",
			wantError: true,
			errorMsg:  "domain cannot be empty",
		},
		{
			name:      "missing handle",
			input:     "@alpha.example",
			wantError: true,
			errorMsg:  "handle cannot be empty",
		},
		{
			name:      "multiple @ symbols",
			input:     "news@alpha@example",
			wantError: true,
			errorMsg:  "must contain exactly one @ symbol",
		},
		{
			name:      "domain without dot",
			input:     "news@alpha",
			wantError: true,
			errorMsg:  "domain must contain at least one dot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)

			if tt.wantError {
				if err == nil {
					t.Errorf("ParseAddress(%q) expected error, got nil", tt.input)
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("ParseAddress(%q) error = %v, want error containing %q", tt.input, err, tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Errorf("ParseAddress(%q) unexpected error: %v", tt.input, err)
				return
			}

			if !got.Equal(tt.want) {
				t.Errorf("ParseAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddress_String(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{
			name: "publication address",
			addr: Address{Handle: "news", Domain: "alpha.example"},
			want: "news@alpha.example",
		},
		{
			name: "zero address",
			addr: Address{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.addr.String()
			if got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddress_Validate(t *testing.T) {
	tests := []struct {
		name      string
		addr      Address
		wantError bool
		errorMsg  string
	}{
		{
			name: "valid address",
			addr: Address{Handle: "news", Domain: "alpha.example"},
		},
		{
			name:      "empty handle",
			addr:      Address{Domain: "alpha.example"},
			wantError: true,
			errorMsg:  "handle cannot be empty",
		},
		{
			name:      "empty domain",
			addr:      Address{Handle: "news"},
			wantError: true,
			errorMsg:  "domain cannot be empty",
		},
		{
			name:      "domain without dot",
			addr:      Address{Handle: "news", Domain: "alpha"},
			wantError: true,
			errorMsg:  "domain must contain at least one dot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.addr.Validate()

			if tt.wantError {
				if err == nil {
					t.Errorf("Validate() expected error, got nil")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Validate() error = %v, want error containing %q", err, tt.errorMsg)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestAddress_Equal(t *testing.T) {
	tests := []struct {
		name string
		a    Address
		b    Address
		want bool
	}{
		{
			name: "equal addresses",
			a:    Address{Handle: "news", Domain: "alpha.example"},
			b:    Address{Handle: "news", Domain: "alpha.example"},
			want: true,
		},
		{
			name: "different handles",
			a:    Address{Handle: "news", Domain: "alpha.example"},
			b:    Address{Handle: "blog", Domain: "alpha.example"},
			want: false,
		},
		{
			name: "different domains",
			a:    Address{Handle: "news", Domain: "alpha.example"},
			b:    Address{Handle: "news", Domain: "bravo.example"},
			want: false,
		},
		{
			name: "zero addresses",
			a:    Address{},
			b:    Address{},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Equal(tt.b)
			if got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanonicalAddress(t *testing.T) {
	got, err := CanonicalAddress(" News@ALPHA.example")
	if err != nil {
		t.Fatalf("CanonicalAddress() unexpected error: %v", err)
	}
	if got != "news@alpha.example" {
		t.Errorf("CanonicalAddress() = %q, want %q", got, "news@alpha.example")
	}

	if _, err := CanonicalAddress("not-an-address"); err == nil {
		t.Error("CanonicalAddress() expected error for malformed input")
	}
}
