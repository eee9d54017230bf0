package quickcam

import (
	"fmt"
	"net/http"
)

const streamBoundary = "oestreamboundary"

// serveStream delivers an MJPEG multipart stream. Frames the client can't
// keep up with are dropped rather than buffered.
func (p *Pump) serveStream(w http.ResponseWriter, r *http.Request) {
	frames := make(chan []byte, 30)
	detach := p.AttachImageStream(func(jpeg []byte) {
		select {
		case frames <- jpeg:
		default: // drop for slow client
		}
	})
	defer detach()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	first := true
	for {
		select {
		case frame := <-frames:
			if err := writePart(w, frame); err != nil {
				return
			}
			// Some clients buffer a full frame before rendering; doubling
			// the first one gets the picture on screen immediately.
			if first {
				first = false
				if err := writePart(w, frame); err != nil {
					return
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", streamBoundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
