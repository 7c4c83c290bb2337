// Package video decodes peer camera frames into stills for the vision tool.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/asticode/go-astiav"
)

// ErrNeedMoreInput reports that the decoder consumed the access unit but has
// no full picture yet. The caller feeds the next unit and tries again.
var ErrNeedMoreInput = errors.New("decoder needs more input")

// Decoder turns H.264 access units into JPEG stills. One Decoder serves one
// RTP video stream; it holds reference frames between calls so feeding it
// units from several streams corrupts the output.
type Decoder struct {
	mu           sync.Mutex
	codecContext *astiav.CodecContext
	packet       *astiav.Packet
	frame        *astiav.Frame
}

func NewDecoder() (*Decoder, error) {
	codec := astiav.FindDecoder(astiav.CodecIDH264)
	if codec == nil {
		return nil, fmt.Errorf("h264 decoder not available")
	}

	codecContext := astiav.AllocCodecContext(codec)
	if codecContext == nil {
		return nil, fmt.Errorf("failed to allocate codec context")
	}
	if err := codecContext.Open(codec, nil); err != nil {
		codecContext.Free()
		return nil, fmt.Errorf("open h264 decoder: %w", err)
	}

	d := &Decoder{
		codecContext: codecContext,
		packet:       astiav.AllocPacket(),
		frame:        astiav.AllocFrame(),
	}
	if d.packet == nil || d.frame == nil {
		d.Close()
		return nil, fmt.Errorf("failed to allocate decoder buffers")
	}
	return d, nil
}

// Close releases the FFmpeg state. The decoder is unusable after.
func (d *Decoder) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.codecContext != nil {
		d.codecContext.Free()
		d.codecContext = nil
	}
	if d.packet != nil {
		d.packet.Free()
		d.packet = nil
	}
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
}

// DecodeJPEG feeds one Annex-B access unit into the decoder and returns the
// decoded picture as a JPEG. Units that arrive before a keyframe do
// not produce a picture and come back as ErrNeedMoreInput.
func (d *Decoder) DecodeJPEG(accessUnit []byte, quality int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.codecContext == nil {
		return nil, fmt.Errorf("decoder is closed")
	}
	if len(accessUnit) == 0 {
		return nil, fmt.Errorf("empty access unit")
	}

	if err := d.packet.FromData(accessUnit); err != nil {
		return nil, fmt.Errorf("wrap access unit: %w", err)
	}
	defer d.packet.Unref()

	if err := d.codecContext.SendPacket(d.packet); err != nil {
		return nil, fmt.Errorf("send access unit: %w", err)
	}

	if err := d.codecContext.ReceiveFrame(d.frame); err != nil {
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil, ErrNeedMoreInput
		}
		return nil, fmt.Errorf("receive frame: %w", err)
	}
	defer d.frame.Unref()

	img, err := d.frame.Data().GuessImageFormat()
	if err != nil {
		return nil, fmt.Errorf("pick image format: %w", err)
	}
	if err := d.frame.Data().ToImage(img); err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
