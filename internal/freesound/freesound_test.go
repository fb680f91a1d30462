package freesound

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		want    Asset
		wantErr bool
	}{
		{
			name:   "canonical page url",
			source: "https://freesound.org/people/klankbeeld/sounds/625333/",
			want:   Asset{Owner: "klankbeeld", ID: "625333"},
		},
		{
			name:   "without trailing slash",
			source: "https://freesound.org/people/InspectorJ/sounds/401277",
			want:   Asset{Owner: "InspectorJ", ID: "401277"},
		},
		{
			name:   "owner with underscore",
			source: "https://freesound.org/people/the_field_recorder/sounds/12/",
			want:   Asset{Owner: "the_field_recorder", ID: "12"},
		},
		{
			name:    "other host",
			source:  "https://example.com/sound.mp3",
			wantErr: true,
		},
		{
			name:    "non numeric id",
			source:  "https://freesound.org/people/user/sounds/abc/",
			wantErr: true,
		},
		{
			name:    "empty",
			source:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.source)
			if tt.wantErr {
				var resErr *ResolutionError
				require.ErrorAs(t, err, &resErr)
				assert.Equal(t, tt.source, resErr.Source)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveKey(t *testing.T) {
	key, err := ResolveKey("https://freesound.org/people/klankbeeld/sounds/625333/")
	require.NoError(t, err)
	assert.Equal(t, "klankbeeld_625333", key)

	_, err = ResolveKey("not a url")
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Sound 625333", DisplayName("https://freesound.org/people/klankbeeld/sounds/625333/"))
	assert.Equal(t, "Unknown", DisplayName("https://example.com/a.mp3"))
}

func TestIsSoundURL(t *testing.T) {
	assert.True(t, IsSoundURL("https://freesound.org/people/user/sounds/12345/"))
	assert.False(t, IsSoundURL("https://example.com/sound.mp3"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"Hello World":          "Hello_World",
		"Test: File?":          "Test_File",
		"  spaces  ":           "spaces",
		`a<b>c:d"e/f\g|h?i*j`:  "a_b_c_d_e_f_g_h_i_j",
		"___":                  "",
		"already_clean":        "already_clean",
		"Forest, Birds (Dawn)": "Forest,_Birds_(Dawn)",
	}

	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestAudioExtension(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.freesound.org/previews/625/625333_1-hq.mp3", "mp3"},
		{"https://cdn.freesound.org/previews/625/625333_1-hq.OGG", "ogg"},
		{"https://cdn.freesound.org/sounds/625/625333.flac?filename=x.flac", "flac"},
		{"https://cdn.freesound.org/sounds/625/625333.wav#t=1", "wav"},
		{"https://cdn.freesound.org/sounds/625/625333.opus", "opus"},
		{"https://cdn.freesound.org/sounds/625/625333.aiff", "mp3"},
		{"https://cdn.freesound.org/sounds/625/625333", "mp3"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, audioExtension(tt.url), tt.url)
	}
}

func TestParsePage(t *testing.T) {
	t.Run("player stream preferred", func(t *testing.T) {
		page := `<html><head>
<title>Rain on a tin roof - Freesound</title>
<meta property="og:audio" content="https://cdn.freesound.org/previews/1/og.mp3">
<meta name="twitter:player:stream" content="https://cdn.freesound.org/previews/1/stream.mp3">
</head><body><title>ignored</title></body></html>`

		info, err := parsePage(strings.NewReader(page))
		require.NoError(t, err)

		url, ok := info.AudioURL()
		require.True(t, ok)
		assert.Equal(t, "https://cdn.freesound.org/previews/1/stream.mp3", url)
		assert.Equal(t, "Rain_on_a_tin_roof", info.SoundName())
	})

	t.Run("og audio fallback must point at the cdn", func(t *testing.T) {
		page := `<html><head><meta property="og:audio" content="see https://cdn.freesound.org/previews/2/x.ogg"></head></html>`

		info, err := parsePage(strings.NewReader(page))
		require.NoError(t, err)

		url, ok := info.AudioURL()
		require.True(t, ok)
		assert.Equal(t, "https://cdn.freesound.org/previews/2/x.ogg", url)
		assert.Empty(t, info.SoundName())
	})

	t.Run("no usable audio reference", func(t *testing.T) {
		page := `<html><head><meta property="og:audio" content="https://example.com/x.mp3"></head></html>`

		info, err := parsePage(strings.NewReader(page))
		require.NoError(t, err)

		_, ok := info.AudioURL()
		assert.False(t, ok)
	})
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")

	netErr := &NetworkError{Operation: "fetch_audio", Message: "boom", Err: cause}
	assert.ErrorIs(t, netErr, cause)
	assert.Equal(t, "network error during fetch_audio: boom", netErr.Error())

	withStatus := &NetworkError{Operation: "fetch_page", StatusCode: 404, Message: "Not Found"}
	assert.Equal(t, "network error during fetch_page (HTTP 404): Not Found", withStatus.Error())

	contentErr := &ContentError{Source: "s", Reason: "empty", Err: cause}
	assert.ErrorIs(t, contentErr, cause)
}
