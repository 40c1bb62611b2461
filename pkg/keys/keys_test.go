package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariants(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"dash only", "a-b", []string{"a-b", "a b"}},
		{"space only", "a b", []string{"a b", "a-b"}},
		{"plain", "report.pdf", []string{"report.pdf"}},
		{"mixed separators", "a-b c", []string{"a-b c", "a b c", "a-b-c"}},
		{"empty", "", []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Variants(tt.in))
		})
	}
}

func TestCanon(t *testing.T) {
	assert.Equal(t, "my file.txt", Canon("  My File.TXT  "))
	assert.Equal(t, "clip.mp4", Canon("/Uploads/2024/Clip.MP4"))
	assert.Equal(t, "", Canon(""))
	assert.Equal(t, "", Canon("dir/"))
}

func TestKeySet(t *testing.T) {
	assert.Equal(t, []string{"My-File.mp4", "My File.mp4", "my-file.mp4"}, KeySet("My-File.mp4"))
	assert.Equal(t, []string{"clip.mp4"}, KeySet("clip.mp4"))
}
