package mi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayloadNested(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`a=[1,"x"],b={c="y"},a=[]`)
	require.NoError(t, err)

	all := p.All("a")
	require.Len(t, all, 2)
	items := all[0].Items()
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].Str)
	assert.Equal(t, "x", items[1].Str)
	assert.Empty(t, all[1].Items())
	assert.Equal(t, "y", p.Tuple("b").String("c"))
	assert.Equal(t, []string{"a", "b"}, p.Keys())
}

func TestPayloadEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`a=[1,"x"],b={c="y"}`,
		`stack=[frame={level="0",func="f"},frame={level="1",func="main"}]`,
		`msg="quote \" and backslash \\ and newline \n"`,
		`x={},y=[],z={k=[{a="1"},{a="2"}]}`,
	}
	for _, in := range inputs {
		first, err := ParsePayload(in)
		require.NoError(t, err, in)
		second, err := ParsePayload(first.Encode())
		require.NoError(t, err, in)
		assert.Equal(t, first, second, in)
	}
}

func TestParsePayloadPreservesDuplicateFrames(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`stack=[frame={level="0",func="inner",line="4"},frame={level="1",func="outer",line="9"},frame={level="2",func="main",line="20"}]`)
	require.NoError(t, err)

	frames := DecodeFrames(p)
	require.Len(t, frames, 3)
	assert.Equal(t, "inner", frames[0].Func)
	assert.Equal(t, 1, frames[1].Level)
	assert.Equal(t, 20, frames[2].Line)

	stack := p.Tuple("stack")
	require.NotNil(t, stack)
	assert.Len(t, stack.All("frame"), 3)
}

func TestParsePayloadLegacyMultiLocationBreakpoint(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`bkpt={number="1",type="breakpoint",addr="<MULTIPLE>",times="0"},{number="1.1",enabled="y",addr="0x1",func="f",file="a.c",line="3"},{number="1.2",enabled="n",addr="0x2",func="f",file="b.c",line="7"}`)
	require.NoError(t, err)

	bp, ok := FindBreakpoint(p)
	require.True(t, ok)
	assert.Equal(t, 1, bp.Number)
	require.Len(t, bp.Locations, 2)
	assert.Equal(t, "1.2", bp.Locations[1].Number)
	assert.False(t, bp.Locations[1].Enabled)

	file, line := bp.SourceLine()
	assert.Equal(t, "a.c", file)
	assert.Equal(t, 3, line)
}

func TestParsePayloadBareValues(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`depth=12,list=[a,b]`)
	require.NoError(t, err)
	n, ok := p.Int("depth")
	require.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Len(t, p.List("list"), 2)
}

func TestParsePayloadErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`a={`, `a=[1`, `a="x`, `{x="1"}`, `a=1}`, `=1`} {
		_, err := ParsePayload(in)
		var syn *SyntaxError
		assert.ErrorAs(t, err, &syn, in)
	}
}

func TestCStringEscapes(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`plain`:       "plain",
		`a\nb`:        "a\nb",
		`tab\there`:   "tab\there",
		`q\"q`:        `q"q`,
		`back\\slash`: `back\slash`,
		`\101\102`:    "AB",
		`\x41z`:       "Az",
		`\e[0m`:       "\x1b[0m",
		`unknown\q`:   "unknownq",
		`trailing\`:   `trailing\`,
	}
	for in, want := range tests {
		assert.Equal(t, want, UnescapeCString(in), in)
	}

	for _, s := range []string{"", "x\"y", "a\\b", "line\nbreak\t\x01"} {
		quoted := EscapeCString(s)
		v, err := ParseValue(quoted)
		require.NoError(t, err)
		assert.Equal(t, s, v.Str)
	}
}

func TestStopReasonTable(t *testing.T) {
	t.Parallel()

	for r := ReasonBreakpointHit; r <= ReasonNoHistory; r++ {
		assert.Equal(t, r, ParseStopReason(r.String()), r.String())
	}
	assert.Equal(t, ReasonUnknown, ParseStopReason("something-new"))
	assert.Equal(t, "unknown", ReasonUnknown.String())

	assert.Equal(t, "step", ReasonEndSteppingRange.DAPReason(""))
	assert.Equal(t, "pause", ReasonSignalReceived.DAPReason("SIGINT"))
	assert.Equal(t, "exception", ReasonSignalReceived.DAPReason("SIGSEGV"))
	assert.Equal(t, "data breakpoint", ReasonReadWatchpointTrigger.DAPReason(""))
	assert.True(t, ReasonExitedNormally.Exited())
	assert.False(t, ReasonFork.Exited())
}

func TestDecodeVarChanges(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`changelist=[{name="var1",value="3",in_scope="true",type_changed="false",has_more="0"},{name="var2",in_scope="false",type_changed="true",new_type="long",new_num_children="2",has_more="0"}]`)
	require.NoError(t, err)

	changes := DecodeVarChanges(p)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].HasValue)
	assert.Equal(t, "3", changes[0].Value)
	assert.False(t, changes[1].HasValue)
	assert.True(t, changes[1].TypeChanged)
	assert.Equal(t, "long", changes[1].NewType)
	assert.True(t, changes[1].HasNumChildren)
	assert.Equal(t, 2, changes[1].NewNumChildren)
}

func TestDecodeStoppedExitCodeIsOctal(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`reason="exited",exit-code="012"`)
	require.NoError(t, err)
	d := DecodeStopped(p)
	assert.True(t, d.Reason.Exited())
	assert.True(t, d.HasExitCode)
	assert.Equal(t, 10, d.ExitCode)
}
