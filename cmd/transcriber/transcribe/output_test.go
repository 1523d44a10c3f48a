package transcribe

import (
	"bytes"
	"errors"
	"math"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVTTTS(t *testing.T) {
	require.Equal(t, "00:00:00.000", vttTS(0))

	require.Equal(t, "00:01:10.000", vttTS(70000))

	require.Equal(t, "00:00:00.999", vttTS(999))

	require.Equal(t, "00:00:01.100", vttTS(1100))

	require.Equal(t, "01:00:00.000", vttTS(3600000))

	require.Equal(t, "01:45:45.045", vttTS(6345045))
}

func TestFormatTimestamp(t *testing.T) {
	tcs := []struct {
		input    float64
		expected string
	}{
		{input: 0, expected: "00:00:00"},
		{input: 0.999, expected: "00:00:00"},
		{input: 30, expected: "00:00:30"},
		{input: 59.9, expected: "00:00:59"},
		{input: 60, expected: "00:01:00"},
		{input: 3599, expected: "00:59:59"},
		{input: 3600, expected: "01:00:00"},
		{input: 3661.5, expected: "01:01:01"},
		{input: 86400, expected: "24:00:00"},
		{input: 360000, expected: "100:00:00"},
		{input: -5, expected: "00:00:00"},
		{input: math.NaN(), expected: "00:00:00"},
		{input: math.Inf(-1), expected: "00:00:00"},
		{input: math.Inf(1), expected: "2562047788015215:30:07"},
		{input: 1e19, expected: "2562047788015215:30:07"},
		{input: 1e300, expected: "2562047788015215:30:07"},
	}

	for _, tc := range tcs {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, FormatTimestamp(tc.input))
		})
	}
}

func TestFormatTimestampRoundTrip(t *testing.T) {
	re := regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2})$`)

	for s := 0; s < 200000; s += 37 {
		ts := FormatTimestamp(float64(s) + 0.5)
		m := re.FindStringSubmatch(ts)
		require.NotNil(t, m, ts)

		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		sec, _ := strconv.Atoi(m[3])
		require.Less(t, mins, 60)
		require.Less(t, sec, 60)
		require.Equal(t, s, h*3600+mins*60+sec)
	}

	for _, s := range []float64{9.2e18, 1e19, 1e300, math.MaxFloat64, math.Inf(1)} {
		ts := FormatTimestamp(s)
		require.Regexp(t, re, ts)
	}
}

func TestNewEntry(t *testing.T) {
	e := NewEntry(2, 60, 5, "bye")
	require.Equal(t, Entry{
		Index:     2,
		Timestamp: "00:01:00",
		Start:     60,
		Duration:  5,
		Text:      "bye",
	}, e)
}

func TestTranscriptText(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var tr Transcript
		var buf bytes.Buffer
		require.NoError(t, tr.Text(&buf))
		require.Empty(t, buf.String())
		require.Empty(t, tr.String())
	})

	t.Run("entries", func(t *testing.T) {
		tr := Transcript{
			NewEntry(0, 0, 30, "hello"),
			NewEntry(1, 30, 30, "world"),
			NewEntry(2, 60, 5, "bye"),
		}
		var buf bytes.Buffer
		require.NoError(t, tr.Text(&buf))
		require.Equal(t, "Timestamp 00:00:00:\nhello\n\nTimestamp 00:00:30:\nworld\n\nTimestamp 00:01:00:\nbye\n\n", buf.String())
		require.Equal(t, buf.String(), tr.String())
	})

	t.Run("empty text is kept", func(t *testing.T) {
		tr := Transcript{NewEntry(0, 0, 30, "")}
		require.Equal(t, "Timestamp 00:00:00:\n\n\n", tr.String())
	})

	t.Run("write failure", func(t *testing.T) {
		tr := Transcript{NewEntry(0, 0, 30, "hello")}
		require.EqualError(t, tr.Text(failingWriter{}), "failed to write: broken pipe")
	})
}

func TestTranscriptWebVTT(t *testing.T) {
	tr := Transcript{
		NewEntry(0, 0, 30, " hello <world>\n"),
		NewEntry(1, 30, 30, "  "),
		NewEntry(2, 60, 5.25, "bye"),
	}

	var buf bytes.Buffer
	require.NoError(t, tr.WebVTT(&buf))
	require.Equal(t, `WEBVTT

00:00:00.000 --> 00:00:30.000
hello &lt;world&gt;

00:01:00.000 --> 00:01:05.250
bye
`, buf.String())
}

type failingWriter struct{}

func (failingWriter) Write(_ []byte) (int, error) {
	return 0, errors.New("broken pipe")
}
