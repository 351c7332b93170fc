package service

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/tyemirov/timecapsule/internal/model"
)

const defaultContentMimeType = "application/octet-stream"

var extensionKinds = map[string]model.ContentType{
	".jpg": model.ContentImage, ".jpeg": model.ContentImage, ".png": model.ContentImage,
	".gif": model.ContentImage, ".webp": model.ContentImage, ".bmp": model.ContentImage,
	".heic": model.ContentImage,
	".mp4": model.ContentVideo, ".mov": model.ContentVideo, ".avi": model.ContentVideo,
	".mkv": model.ContentVideo, ".webm": model.ContentVideo,
	".mp3": model.ContentAudio, ".wav": model.ContentAudio, ".ogg": model.ContentAudio,
	".m4a": model.ContentAudio, ".aac": model.ContentAudio, ".flac": model.ContentAudio,
	".pdf": model.ContentDocument, ".doc": model.ContentDocument, ".docx": model.ContentDocument,
	".txt": model.ContentDocument, ".rtf": model.ContentDocument, ".odt": model.ContentDocument,
}

// classifyFile maps a file to a content kind by extension and confirms it against the
// sniffed leading bytes. A file whose bytes clearly belong to a different media family is
// rejected, as is anything that sniffs as HTML.
func classifyFile(fileName string, head []byte) (model.ContentType, string, error) {
	extension := strings.ToLower(filepath.Ext(fileName))
	kind, known := extensionKinds[extension]
	if !known {
		kind = model.ContentDocument
	}

	sniffed := http.DetectContentType(head)
	sniffedBase := strings.TrimSpace(strings.SplitN(sniffed, ";", 2)[0])
	if sniffedBase == "text/html" {
		return "", "", newValidationError("files", "HTML uploads are not allowed: "+fileName)
	}

	sniffedFamily := strings.SplitN(sniffedBase, "/", 2)[0]
	switch sniffedFamily {
	case "image", "video", "audio":
		if known && kind != model.ContentDocument && string(kind) != sniffedFamily {
			return "", "", newValidationError("files", "file content does not match its extension: "+fileName)
		}
		if !known {
			kind = model.ContentType(sniffedFamily)
		}
	}

	mimeType := sniffedBase
	if mimeType == defaultContentMimeType || strings.HasPrefix(mimeType, "text/plain") {
		if byExtension, _, err := mime.ParseMediaType(mime.TypeByExtension(extension)); err == nil && byExtension != "" {
			mimeType = byExtension
		}
	}
	if mimeType == "" {
		mimeType = defaultContentMimeType
	}
	return kind, mimeType, nil
}
