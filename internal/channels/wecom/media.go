package wecom

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
)

const (
	defaultInboundMediaMB = 5
	outboundMediaMaxBytes = 10 << 20
	streamImageMaxBytes   = 2 << 20
	streamImageMaxSide    = 1920
)

var ErrMediaTooLarge = errors.New("wecom: media exceeds size limit")

// readLimited reads at most maxBytes from r and fails if more remain.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrMediaTooLarge, maxBytes)
	}
	return data, nil
}

// inboundMedia is a decrypted attachment of an inbound message.
type inboundMedia struct {
	Data        []byte
	ContentType string
	Filename    string
}

// downloadBotMedia fetches an encrypted bot attachment and decrypts it with
// the account's EncodingAESKey.
func downloadBotMedia(ctx context.Context, client *http.Client, mediaURL, aesKey string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: HTTP %d", resp.StatusCode)
	}
	enc, err := readLimited(resp.Body, maxBytes)
	if err != nil {
		return nil, err
	}
	return wxcrypt.DecryptMedia(aesKey, enc)
}

// botInbound renders a bot message and pulls its first attachment (image,
// file, or the first media item of a mixed message). A failed download
// degrades to a body note instead of failing the turn.
func (c *Channel) botInbound(ctx context.Context, m *botMessage, aesKey string) (string, *inboundMedia) {
	maxBytes := c.mediaMaxBytes()
	fetch := func(kind, u string) (*inboundMedia, error) {
		data, err := downloadBotMedia(ctx, c.httpClient(), u, aesKey, maxBytes)
		if err != nil {
			return nil, err
		}
		if kind == botMsgImage {
			return &inboundMedia{Data: data, ContentType: sniffImageType(data), Filename: "image.jpg"}, nil
		}
		return &inboundMedia{Data: data, ContentType: "application/octet-stream", Filename: "file.bin"}, nil
	}

	switch m.MsgType {
	case botMsgImage, botMsgFile:
		u := urlOf(m.Image)
		if m.MsgType == botMsgFile {
			u = urlOf(m.File)
		}
		if u == "" || aesKey == "" {
			break
		}
		media, err := fetch(m.MsgType, u)
		if err != nil {
			slog.Warn("wecom: inbound media decrypt failed", "type", m.MsgType, "error", err)
			return fmt.Sprintf("[%s] (decryption failed: %v)", m.MsgType, err), nil
		}
		return "[" + m.MsgType + "]", media

	case botMsgMixed:
		if m.Mixed == nil {
			break
		}
		var parts []string
		var found *inboundMedia
		for _, item := range m.Mixed.MsgItem {
			t := strings.ToLower(item.MsgType)
			switch {
			case t == botMsgText:
				if item.Text != nil && strings.TrimSpace(item.Text.Content) != "" {
					parts = append(parts, strings.TrimSpace(item.Text.Content))
				}
			case (t == botMsgImage || t == botMsgFile) && found == nil && aesKey != "":
				u := urlOf(item.Image)
				if t == botMsgFile {
					u = urlOf(item.File)
				}
				if u == "" {
					parts = append(parts, "["+t+"]")
					continue
				}
				media, err := fetch(t, u)
				if err != nil {
					slog.Warn("wecom: mixed media decrypt failed", "type", t, "error", err)
					parts = append(parts, "["+t+"] (decryption failed)")
					continue
				}
				found = media
				parts = append(parts, "["+t+"]")
			default:
				parts = append(parts, "["+t+"]")
			}
		}
		return strings.Join(parts, "\n"), found
	}
	return botBody(m), nil
}

func sniffImageType(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/jpeg"
}

// --- Saved media ---

// saveMedia writes data under dir and returns the path.
func saveMedia(dir string, m *inboundMedia) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	ext := filepath.Ext(m.Filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(m.ContentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	p := filepath.Join(dir, "inbound-"+uuid.NewString()+ext)
	if err := os.WriteFile(p, m.Data, 0o600); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return p, nil
}

// cleanupMediaDir removes saved files older than maxAge.
func cleanupMediaDir(dir string, maxAge time.Duration, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "inbound-") {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

// --- Outbound media ---

// outboundMedia is an agent attachment loaded from a URL or local path.
type outboundMedia struct {
	Data        []byte
	ContentType string
	Filename    string
}

var imageExtTypes = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".gif": "image/gif", ".webp": "image/webp", ".bmp": "image/bmp",
}

func isRemoteURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// loadOutboundMedia reads ref (http(s) URL or local path), capped at maxBytes.
func loadOutboundMedia(ctx context.Context, client *http.Client, ref string, maxBytes int64) (*outboundMedia, error) {
	if isRemoteURL(ref) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: HTTP %d", ref, resp.StatusCode)
		}
		data, err := readLimited(resp.Body, maxBytes)
		if err != nil {
			return nil, err
		}
		name := "attachment"
		if u, err := url.Parse(ref); err == nil {
			if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
				name = base
			}
		}
		ct := resp.Header.Get("Content-Type")
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mt
		} else {
			ct = http.DetectContentType(data)
		}
		return &outboundMedia{Data: data, ContentType: ct, Filename: name}, nil
	}

	f, err := os.Open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := readLimited(f, maxBytes)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(ref)
	ext := strings.ToLower(filepath.Ext(name))
	ct, ok := imageExtTypes[ext]
	if !ok {
		ct = mime.TypeByExtension(ext)
		if ct == "" {
			ct = "application/octet-stream"
		}
	}
	return &outboundMedia{Data: data, ContentType: ct, Filename: name}, nil
}

// mediaTypeFor maps a content type to a WeCom upload type.
func mediaTypeFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "voice"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "file"
	}
}

// normalizeStreamImage makes an image fit a stream msg_item: JPEG or PNG,
// within the 2 MB budget. Other formats and oversized images are decoded,
// downscaled and re-encoded as JPEG.
func normalizeStreamImage(data []byte, contentType string) ([]byte, error) {
	if (contentType == "image/jpeg" || contentType == "image/png") && len(data) <= streamImageMaxBytes {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	side := streamImageMaxSide
	quality := 85
	for {
		b := img.Bounds()
		scaled := img
		if b.Dx() > side || b.Dy() > side {
			scaled = imaging.Fit(img, side, side, imaging.Lanczos)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode image: %w", err)
		}
		if buf.Len() <= streamImageMaxBytes || side <= 320 {
			return buf.Bytes(), nil
		}
		side = side * 3 / 4
		if quality > 60 {
			quality -= 10
		}
	}
}

// streamImage encodes image bytes for a msg_item.
func streamImage(data []byte) StreamImage {
	sum := md5.Sum(data)
	return StreamImage{Base64: base64.StdEncoding.EncodeToString(data), MD5: hex.EncodeToString(sum[:])}
}
