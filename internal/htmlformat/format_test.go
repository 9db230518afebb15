package htmlformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "nested elements",
			input: `<html><body><div><p>Hello</p></div></body></html>`,
			want: "<html>\n  <body>\n    <div>\n      <p>\n        Hello\n      </p>\n    </div>\n  </body>\n</html>\n",
		},
		{
			name:  "doctype and comment",
			input: "<!DOCTYPE html><!-- top --><html></html>",
			want:  "<!DOCTYPE html>\n<!-- top -->\n<html>\n</html>\n",
		},
		{
			name:  "void elements do not indent",
			input: `<div><img src="a.png"><br><span>x</span></div>`,
			want:  "<div>\n  <img src=\"a.png\">\n  <br>\n  <span>\n    x\n  </span>\n</div>\n",
		},
		{
			name:  "self closing",
			input: `<svg><path d="M0"/></svg>`,
			want:  "<svg>\n  <path d=\"M0\"/>\n</svg>\n",
		},
		{
			name:  "whitespace collapsed",
			input: "<p>\n   many    spaces\n\there  </p>",
			want:  "<p>\n  many spaces here\n</p>\n",
		},
		{
			name:  "pre kept verbatim",
			input: "<div><pre>  a\n    b</pre><p>c</p></div>",
			want:  "<div>\n  <pre>  a\n    b</pre>\n  <p>\n    c\n  </p>\n</div>\n",
		},
		{
			name:  "script kept verbatim",
			input: "<head><script>if (a < b) {  run() }</script></head>",
			want:  "<head>\n  <script>if (a < b) {  run() }</script>\n</head>\n",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Format(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat_UnbalancedDoesNotPanic(t *testing.T) {
	t.Parallel()

	got, err := Format("</div></div><p>x")
	require.NoError(t, err)
	assert.Contains(t, got, "x\n")
}
