package broadcast

import "testing"

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		text string
		data map[string]string
		want string
	}{
		{"no placeholders", "hello there", map[string]string{"name": "Ani"}, "hello there"},
		{"single field", "hi {{name}}", map[string]string{"name": "Ani"}, "hi Ani"},
		{"spaces inside braces", "hi {{ name }}", map[string]string{"name": "Ani"}, "hi Ani"},
		{"multiple fields", "{{greeting}} {{name}}!", map[string]string{"greeting": "halo", "name": "Budi"}, "halo Budi!"},
		{"unknown field left intact", "hi {{nmae}}", map[string]string{"name": "Ani"}, "hi {{nmae}}"},
		{"case sensitive", "hi {{Name}}", map[string]string{"name": "Ani"}, "hi {{Name}}"},
		{"nil data", "hi {{name}}", nil, "hi {{name}}"},
		{"empty text", "", map[string]string{"name": "Ani"}, ""},
		{"repeated field", "{{name}} and {{name}}", map[string]string{"name": "Ani"}, "Ani and Ani"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderTemplate(tt.text, tt.data)
			if got != tt.want {
				t.Errorf("RenderTemplate(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
