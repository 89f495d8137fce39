package jobapi

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
)

// FormField is a text field of a multipart body.
type FormField struct {
	Name  string
	Value string
}

// MultipartBody is a multipart/form-data request body whose file part is
// streamed from its reader. When the file size is known the exact body
// length is known too, so the request can carry a Content-Length.
type MultipartBody struct {
	io.Reader
	ContentType string
	// Length is the total body size in bytes, or -1 when unknown.
	Length int64
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// NewMultipartBody lays out fields followed by one file part named
// fileField. size < 0 means the file length is unknown. onProgress, when
// set, observes file bytes as the transport reads them.
func NewMultipartBody(fields []FormField, fileField, fileName string, file io.Reader, size int64, onProgress func(sent, total int64)) (*MultipartBody, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("multipart field %s: %w", f.Name, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(fileField), quoteEscaper.Replace(filepath.Base(fileName))))
	h.Set("Content-Type", ContentTypeFor(fileName))
	if _, err := mw.CreatePart(h); err != nil {
		return nil, fmt.Errorf("multipart file header: %w", err)
	}
	headLen := buf.Len()
	// Close appends the closing boundary after the part header; it is split
	// off and sent after the file content.
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("multipart close: %w", err)
	}
	head := buf.Bytes()[:headLen]
	tail := buf.Bytes()[headLen:]

	content := file
	length := int64(-1)
	if size >= 0 {
		content = io.LimitReader(file, size)
		length = int64(len(head)) + size + int64(len(tail))
	}
	if onProgress != nil {
		content = NewProgressReader(content, size, onProgress)
	}

	return &MultipartBody{
		Reader:      io.MultiReader(bytes.NewReader(head), content, bytes.NewReader(tail)),
		ContentType: mw.FormDataContentType(),
		Length:      length,
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// ContentTypeFor returns the media type of a video file by its extension.
// Known containers map to their video type, anything else goes through
// mime.TypeByExtension and falls back to application/octet-stream.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ProgressReader counts bytes read through it and reports them.
type ProgressReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    func(n, total int64)
	err   error
}

// NewProgressReader wraps r. total is passed through to fn; use -1 when
// unknown.
func NewProgressReader(r io.Reader, total int64, fn func(n, total int64)) *ProgressReader {
	return &ProgressReader{r: r, total: total, fn: fn}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		if p.fn != nil {
			p.fn(p.n, p.total)
		}
	}
	if err != nil && err != io.EOF {
		p.err = err
	}
	return n, err
}

// N returns the number of bytes read so far.
func (p *ProgressReader) N() int64 { return p.n }

// Err returns the first non-EOF error of the underlying reader.
func (p *ProgressReader) Err() error { return p.err }
