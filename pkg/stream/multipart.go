package stream

import (
	"fmt"
	"io"

	"github.com/teslashibe/go-yolocam/pkg/hub"
)

// Boundary separates frames in the multipart feed.
const Boundary = "frame"

// ContentType is the response type of the video feed.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// WritePart writes one JPEG as a multipart chunk.
func WritePart(w io.Writer, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", Boundary); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// Feed writes every frame from sub to w until the subscription ends or a
// write fails. flush, if set, is called after each chunk. The subscription
// is closed on return.
func Feed(sub *hub.Subscription, w io.Writer, flush func() error) error {
	defer sub.Close()

	for msg := range sub.C() {
		if msg.Type != hub.BinaryMessage {
			continue
		}
		if err := WritePart(w, msg.Data); err != nil {
			return err
		}
		if flush != nil {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return nil
}
