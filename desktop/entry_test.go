package desktop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/appbundle/internal/testutil"
)

func TestParseEntry_RoundTrip(t *testing.T) {
	t.Parallel()

	src := "# generated\n\n[Desktop Entry]\nName=Demo\n# comment\nExec=demo %F\n\n[Desktop Action Window]\nExec=demo --new-window\n"
	e, err := ParseEntry([]byte(src))
	require.NoError(t, err)

	assert.Equal(t, src, string(e.Bytes()))
	assert.Equal(t, []string{"Desktop Entry", "Desktop Action Window"}, e.Groups())
	assert.Equal(t, []string{"Name", "Exec"}, e.Keys(MainGroup))
	assert.Equal(t, "demo %F", e.Value("Exec"))

	v, ok := e.Get("Desktop Action Window", "Exec")
	assert.True(t, ok)
	assert.Equal(t, "demo --new-window", v)

	_, ok = e.Get("Missing", "Exec")
	assert.False(t, ok)
}

func TestParseEntry_CRLFAndSpacing(t *testing.T) {
	t.Parallel()

	e, err := ParseEntry([]byte("[Desktop Entry]\r\nName = Spaced App \r\nIcon=app\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Spaced App", e.Value("Name"))
	assert.Equal(t, "app", e.Value("Icon"))
}

func TestParseEntry_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"no main group", "[Other]\nKey=v\n"},
		{"key before group", "Name=x\n[Desktop Entry]\n"},
		{"missing equals", "[Desktop Entry]\nName\n"},
		{"empty key", "[Desktop Entry]\n=x\n"},
		{"unterminated header", "[Desktop Entry\nName=x\n"},
		{"duplicate group", "[Desktop Entry]\nName=a\n[Desktop Entry]\nName=b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseEntry([]byte(tt.src))
			require.ErrorIs(t, err, ErrEntrySyntax)
		})
	}
}

func TestEntry_Set(t *testing.T) {
	t.Parallel()

	e, err := ParseEntry([]byte("[Desktop Entry]\nName=Demo\n\n[Desktop Action New]\nName=New\n"))
	require.NoError(t, err)

	e.Set(MainGroup, "Name", "Renamed")
	e.Set(MainGroup, "Comment", "added")
	e.Set("Desktop Action Extra", "Exec", "x")

	want := "[Desktop Entry]\nName=Renamed\nComment=added\n\n[Desktop Action New]\nName=New\n[Desktop Action Extra]\nExec=x\n"
	assert.Equal(t, want, string(e.Bytes()))
}

func TestEntry_Bool(t *testing.T) {
	t.Parallel()

	e, err := ParseEntry([]byte("[Desktop Entry]\nNoDisplay=True\nTerminal=false\nHidden=maybe\n"))
	require.NoError(t, err)

	v, ok := e.Bool("NoDisplay")
	assert.True(t, ok)
	assert.True(t, v)

	v, ok = e.Bool("Terminal")
	assert.True(t, ok)
	assert.False(t, v)

	_, ok = e.Bool("Hidden")
	assert.False(t, ok)
	_, ok = e.Bool("Absent")
	assert.False(t, ok)
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"Utility", "Development"}, SplitList("Utility;Development;"))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a ;; b"))
	assert.Nil(t, SplitList(""))
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Demo", "Demo"},
		{"My App 2", "My_App_2"},
		{"a/b\\c", "a_b_c"},
		{"v1.2-rc_1", "v1.2-rc_1"},
		{"Grüße", "Gr____e"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

func TestParseExec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"demo", []string{"demo"}},
		{"demo %F", []string{"demo", "%F"}},
		{"  demo\t--flag  x ", []string{"demo", "--flag", "x"}},
		{`"/opt/my app/run" %u`, []string{"/opt/my app/run", "%u"}},
		{`"say \"hi\"" \$x`, []string{`say "hi"`, `\$x`}},
		{`"" x`, []string{"", "x"}},
		{"", nil},
	}
	for _, tt := range tests {
		got, err := ParseExec(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseExec(`"unterminated`)
	require.ErrorIs(t, err, ErrEntrySyntax)
}

func TestFormatExec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"/opt/app.AppImage", "%F"}, "/opt/app.AppImage %F"},
		{[]string{"/home/me/My Apps/app.AppImage"}, `"/home/me/My Apps/app.AppImage"`},
		{[]string{`/tmp/q"uote`, "--x"}, `"/tmp/q\"uote" --x`},
		{[]string{"/tmp/$HOME`x`"}, "\"/tmp/\\$HOME\\`x\\`\""},
		{[]string{""}, `""`},
	}
	for _, tt := range tests {
		got := FormatExec(tt.args)
		assert.Equal(t, tt.want, got)

		back, err := ParseExec(got)
		require.NoError(t, err)
		assert.Equal(t, tt.args, back)
	}
}

func TestEditor(t *testing.T) {
	t.Parallel()

	e, err := ParseEntry([]byte(testutil.DesktopEntry))
	require.NoError(t, err)

	ed := editor{bundlePath: "/opt/apps/My Demo.AppImage", vendor: "vendor", id: "0123abcd"}
	require.NoError(t, ed.edit(e))

	assert.Equal(t, `"/opt/apps/My Demo.AppImage" %F`, e.Value("Exec"))
	assert.Equal(t, "/opt/apps/My Demo.AppImage", e.Value("TryExec"))
	assert.Equal(t, "vendor_0123abcd_demo", e.Value("Icon"))
	assert.Equal(t, "demo", e.Value("X-AppImage-Old-Icon"))
	assert.Equal(t, "Demo (1.2.3)", e.Value("Name"))
	assert.Equal(t, "Demo", e.Value("X-AppImage-Old-Name"))
	assert.Equal(t, "0123abcd", e.Value("X-AppImage-Identifier"))

	action, _ := e.Get("Desktop Action Window", "Exec")
	assert.Equal(t, `"/opt/apps/My Demo.AppImage" --new-window`, action)
	actionName, _ := e.Get("Desktop Action Window", "Name")
	assert.Equal(t, "New Window", actionName, "action names are not versioned")
}

func TestEditor_EscapesPercentInBundlePath(t *testing.T) {
	t.Parallel()

	e, err := ParseEntry([]byte(testutil.DesktopEntry))
	require.NoError(t, err)

	ed := editor{bundlePath: "/opt/apps/My%20Demo.AppImage", vendor: "vendor", id: "0123abcd"}
	require.NoError(t, ed.edit(e))

	assert.Equal(t, "/opt/apps/My%%20Demo.AppImage %F", e.Value("Exec"))
	action, _ := e.Get("Desktop Action Window", "Exec")
	assert.Equal(t, "/opt/apps/My%%20Demo.AppImage --new-window", action)
	assert.Equal(t, "/opt/apps/My%20Demo.AppImage", e.Value("TryExec"))
}

func TestEditor_LocalizedKeys(t *testing.T) {
	t.Parallel()

	src := "[Desktop Entry]\nName=Demo\nName[de]=Demo 2.0\nName[fr]=Démo\nExec=demo\nIcon=demo\nIcon[de]=demo-de\nX-AppImage-Version=2.0\n"
	e, err := ParseEntry([]byte(src))
	require.NoError(t, err)

	ed := editor{bundlePath: "/a.AppImage", vendor: "v", id: "id"}
	require.NoError(t, ed.edit(e))

	assert.Equal(t, "Demo (2.0)", e.Value("Name"))
	assert.Equal(t, "Demo 2.0", e.Value("Name[de]"), "names already carrying the version are kept")
	_, ok := e.Get(MainGroup, "X-AppImage-Old-Name[de]")
	assert.False(t, ok)
	assert.Equal(t, "Démo (2.0)", e.Value("Name[fr]"))
	assert.Equal(t, "Démo", e.Value("X-AppImage-Old-Name[fr]"))
	assert.Equal(t, "v_id_demo-de", e.Value("Icon[de]"))
	assert.Equal(t, "demo-de", e.Value("X-AppImage-Old-Icon[de]"))
}

func TestEditor_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"missing exec", "[Desktop Entry]\nName=x\n"},
		{"empty exec", "[Desktop Entry]\nName=x\nExec=\n"},
		{"bad quoting", "[Desktop Entry]\nName=x\nExec=\"demo\n"},
		{"bad action exec", "[Desktop Entry]\nName=x\nExec=demo\nActions=A;\n[Desktop Action A]\nExec=\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := ParseEntry([]byte(tt.src))
			require.NoError(t, err)
			ed := editor{bundlePath: "/a.AppImage", vendor: "v", id: "id"}
			require.ErrorIs(t, ed.edit(e), ErrEntrySyntax)
		})
	}
}

func TestEditor_ActionWithoutExec(t *testing.T) {
	t.Parallel()

	e, err := ParseEntry([]byte("[Desktop Entry]\nName=x\nExec=demo\nActions=Missing;\n"))
	require.NoError(t, err)
	ed := editor{bundlePath: "/a.AppImage", vendor: "v", id: "id"}
	require.NoError(t, ed.edit(e))
	_, ok := e.Get("Desktop Action Missing", "Exec")
	assert.False(t, ok)
}
