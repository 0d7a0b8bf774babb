package der

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

const orderedXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>get-task-allow</key>
	<true/>
	<key>application-identifier</key>
	<string>ABCDE12345.com.example.app</string>
	<key>beta-reports-active</key>
	<false/>
	<key>keychain-access-groups</key>
	<array>
		<string>ABCDE12345.*</string>
	</array>
	<key>limit</key>
	<integer>-3</integer>
	<key>nested</key>
	<dict/>
</dict>
</plist>
`

func TestParsePlistKeepsDocumentOrder(t *testing.T) {
	v, err := ParsePlist([]byte(orderedXML))
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, []string{
		"get-task-allow",
		"application-identifier",
		"beta-reports-active",
		"keychain-access-groups",
		"limit",
		"nested",
	}, obj.Keys())

	gta, _ := obj.Get("get-task-allow")
	assert.Equal(t, Bool(true), gta)
	limit, _ := obj.Get("limit")
	assert.Equal(t, Int(-3), limit)
	groups, _ := obj.Get("keychain-access-groups")
	assert.True(t, Equal(Array{String("ABCDE12345.*")}, groups))
	nested, _ := obj.Get("nested")
	assert.True(t, Equal(Object{}, nested))
}

func TestParsePlistBinarySortsKeys(t *testing.T) {
	data, err := plist.Marshal(map[string]interface{}{
		"zeta":  uint64(7),
		"alpha": "a",
		"mid":   []interface{}{true},
	}, plist.BinaryFormat)
	require.NoError(t, err)

	v, err := ParsePlist(data)
	require.NoError(t, err)
	obj := v.(Object)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, obj.Keys())
	z, _ := obj.Get("zeta")
	assert.Equal(t, Int(7), z)
}

func TestParsePlistRejectsUnsupported(t *testing.T) {
	inputs := []string{
		`<plist version="1.0"><dict><key>r</key><real>1.5</real></dict></plist>`,
		`<plist version="1.0"><dict><key>d</key><data>AAAA</data></dict></plist>`,
		`<plist version="1.0"><dict><key>k</key><string>a</string><key>k</key><string>b</string></dict></plist>`,
		`<plist version="1.0"><dict><string>nokey</string></dict></plist>`,
		`<plist version="1.0"></plist>`,
	}
	for _, in := range inputs {
		_, err := ParsePlist([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestToInterface(t *testing.T) {
	v := Object{
		{Key: "b", Value: Bool(true)},
		{Key: "n", Value: Int(3)},
		{Key: "a", Value: Array{String("x")}},
	}
	got := ToInterface(v).(map[string]interface{})
	assert.Equal(t, true, got["b"])
	assert.Equal(t, int64(3), got["n"])
	assert.Equal(t, []interface{}{"x"}, got["a"])
}

func TestMarshalXMLPlistKeepsOrder(t *testing.T) {
	v, err := ParsePlist([]byte(orderedXML))
	require.NoError(t, err)

	out, err := MarshalXMLPlist(v)
	require.NoError(t, err)
	back, err := ParsePlist(out)
	require.NoError(t, err)
	assert.True(t, Equal(v, back))
	assert.Equal(t, v.(Object).Keys(), back.(Object).Keys())

	var raw map[string]interface{}
	_, err = plist.Unmarshal(out, &raw)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), raw["limit"])
}

func TestMarshalXMLPlistEscapes(t *testing.T) {
	v := Object{
		{Key: "a&b", Value: String("<tag> & \"quoted\"")},
		{Key: "empty", Value: Array{}},
	}
	out, err := MarshalXMLPlist(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<key>a&amp;b</key>")
	assert.Contains(t, string(out), "<array/>")

	back, err := ParsePlist(out)
	require.NoError(t, err)
	s, _ := back.(Object).Get("a&b")
	assert.Equal(t, String("<tag> & \"quoted\""), s)
}
