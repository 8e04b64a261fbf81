package feed

import (
	"bytes"
	"io"
	"strconv"
)

var keepAliveFrame = []byte(": keep-alive\n\n")

// WriteSSE writes item as one server-sent event frame.
// Events carry their sequence as id, their type as event name and the
// JSON body as data. Keep-alive markers are written as comment lines.
func WriteSSE(w io.Writer, item Item) error {
	if item.Kind == KindKeepAlive {
		_, err := w.Write(keepAliveFrame)
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(item.Sequence, 10))
	buf.WriteByte('\n')
	if item.EventType != "" {
		buf.WriteString("event: ")
		buf.WriteString(item.EventType)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(item.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}
