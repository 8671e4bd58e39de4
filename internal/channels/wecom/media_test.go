package wecom

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
)

func encodeImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte { return encodeImage(t, 8, 8, imaging.PNG) }

func TestReadLimited(t *testing.T) {
	if _, err := readLimited(strings.NewReader("12345"), 4); !errors.Is(err, ErrMediaTooLarge) {
		t.Errorf("err = %v, want ErrMediaTooLarge", err)
	}
	data, err := readLimited(strings.NewReader("1234"), 4)
	if err != nil || string(data) != "1234" {
		t.Errorf("got %q, %v", data, err)
	}
}

func TestMediaTypeFor(t *testing.T) {
	tests := map[string]string{
		"image/png":       "image",
		"audio/amr":       "voice",
		"video/mp4":       "video",
		"application/pdf": "file",
		"":                "file",
	}
	for ct, want := range tests {
		if got := mediaTypeFor(ct); got != want {
			t.Errorf("mediaTypeFor(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestNormalizeStreamImage(t *testing.T) {
	png := pngBytes(t)
	out, err := normalizeStreamImage(png, "image/png")
	if err != nil || !bytes.Equal(out, png) {
		t.Fatalf("small png should pass through, err = %v", err)
	}

	gif := encodeImage(t, 16, 16, imaging.GIF)
	out, err = normalizeStreamImage(gif, "image/gif")
	if err != nil {
		t.Fatalf("gif: %v", err)
	}
	if ct := http.DetectContentType(out); ct != "image/jpeg" {
		t.Errorf("gif converted to %s, want image/jpeg", ct)
	}

	if _, err := normalizeStreamImage([]byte("not an image"), "image/webp"); err == nil {
		t.Error("garbage decoded")
	}
}

func TestStreamImageMD5(t *testing.T) {
	img := streamImage([]byte("abc"))
	if img.MD5 != "900150983cd24fb0d6963f7d28e17f72" || img.Base64 != "YWJj" {
		t.Errorf("streamImage = %+v", img)
	}
}

func TestSaveAndCleanupMedia(t *testing.T) {
	dir := t.TempDir()
	p, err := saveMedia(dir, &inboundMedia{Data: []byte("x"), ContentType: "image/png"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(p) != ".png" {
		t.Errorf("saved as %s", p)
	}
	keep := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if n := cleanupMediaDir(dir, time.Hour, time.Now()); n != 0 {
		t.Fatalf("removed fresh files: %d", n)
	}
	if n := cleanupMediaDir(dir, time.Hour, time.Now().Add(2*time.Hour)); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("cleanup touched a file it does not own")
	}
}

func TestLoadOutboundMedia(t *testing.T) {
	png := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write(png)
	}))
	defer srv.Close()
	ctx := context.Background()

	m, err := loadOutboundMedia(ctx, srv.Client(), srv.URL+"/pics/chart.png", 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if m.Filename != "chart.png" || m.ContentType != "image/png" {
		t.Errorf("remote = %q %q", m.Filename, m.ContentType)
	}
	if _, err := loadOutboundMedia(ctx, srv.Client(), srv.URL+"/missing", 1<<20); err == nil {
		t.Error("404 loaded")
	}

	local := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(local, []byte("%PDF"), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err = loadOutboundMedia(ctx, nil, local, 1<<20)
	if err != nil || m.ContentType != "application/pdf" || m.Filename != "report.pdf" {
		t.Errorf("local = %+v, %v", m, err)
	}
}

func TestDownloadBotMedia(t *testing.T) {
	key := testAESKey
	raw, err := wxcrypt.DecodeKey(key)
	if err != nil {
		t.Fatal(err)
	}
	plain := pngBytes(t)
	enc := encryptMediaForTest(t, raw, plain)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(enc)
	}))
	defer srv.Close()

	got, err := downloadBotMedia(context.Background(), srv.Client(), srv.URL, key, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("decrypted media differs")
	}
}
