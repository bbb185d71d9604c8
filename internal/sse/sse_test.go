package sse

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, stream string) []Frame {
	t.Helper()
	d := NewDecoder(strings.NewReader(stream))
	var frames []Frame
	for {
		f, err := d.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestDecoder_Frames(t *testing.T) {
	stream := "id: 1\nevent: log\ndata: {\"msg\":\"a\"}\n\n" +
		": keep-alive\n\n" +
		"data: line one\ndata: line two\n\n" +
		"retry: 3000\nid: 7\r\ndata:no-space\r\n\r\n"

	frames := readAll(t, stream)
	require.Len(t, frames, 3)

	require.Equal(t, Frame{ID: "1", Event: "log", Data: `{"msg":"a"}`}, frames[0])
	require.Equal(t, "line one\nline two", frames[1].Data)
	require.Equal(t, "1", frames[1].ID, "last event id persists across frames")
	require.Equal(t, Frame{ID: "7", Data: "no-space", Retry: 3000}, frames[2])
}

func TestDecoder_EmptyBlocksAndPartialTail(t *testing.T) {
	frames := readAll(t, "\n\nevent: ignored\n\ndata: kept\n\ndata: partial")
	require.Len(t, frames, 1)
	require.Equal(t, "kept", frames[0].Data)
	require.Empty(t, frames[0].Event)
}

func TestDecoder_CommentsOnly(t *testing.T) {
	require.Empty(t, readAll(t, ": ping\n\n: ping\n\n"))
}

func TestWrite_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Frame{ID: "42", Event: "log", Data: "a\nb"}))
	require.NoError(t, WriteComment(&buf, "heartbeat"))
	require.NoError(t, Write(&buf, Frame{Data: "c"}))

	require.Equal(t, "id: 42\nevent: log\ndata: a\ndata: b\n\n: heartbeat\n\ndata: c\n\n", buf.String())

	frames := readAll(t, buf.String())
	require.Len(t, frames, 2)
	require.Equal(t, "a\nb", frames[0].Data)
	require.Equal(t, "c", frames[1].Data)
}
