package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateEnvelopePlaintext(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrMessageEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxEnvelopePlaintext, nil},
		{"over limit", MaxEnvelopePlaintext + 1, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelopePlaintext(make([]byte, tt.size))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessageSizeContext(t *testing.T) {
	err := ValidateMessageSize(make([]byte, 11), 10)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "11") || !strings.Contains(err.Error(), "10") {
		t.Errorf("error should include sizes, got %q", err.Error())
	}
}

func TestValidateEventContent(t *testing.T) {
	if err := ValidateEventContent(""); err != nil {
		t.Errorf("empty content should be valid: %v", err)
	}
	if err := ValidateEventContent(strings.Repeat("a", MaxEventContent+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidateDisplayName(t *testing.T) {
	if err := ValidateDisplayName("Family"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if err := ValidateDisplayName(strings.Repeat("x", MaxDisplayNameLength+1)); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("expected ErrNameTooLong, got %v", err)
	}
	if err := ValidateDisplayName(string([]byte{0xff, 0xfe})); !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("expected ErrInvalidUTF8, got %v", err)
	}
}

func TestValidateCount(t *testing.T) {
	if err := ValidateCount("relays", MaxRelaysPerCircle, MaxRelaysPerCircle); err != nil {
		t.Errorf("count at limit rejected: %v", err)
	}
	if err := ValidateCount("relays", MaxRelaysPerCircle+1, MaxRelaysPerCircle); !errors.Is(err, ErrTooMany) {
		t.Errorf("expected ErrTooMany, got %v", err)
	}
}

func TestValidateProcessingBuffer(t *testing.T) {
	if err := ValidateProcessingBuffer(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
	if err := ValidateProcessingBuffer(make([]byte, MaxProcessingBuffer+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
