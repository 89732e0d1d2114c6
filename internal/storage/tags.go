// Package storage uploads documents to the permanent storage gateway and
// derives the tags and content types that describe them.
package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// App identity written into every upload's tags.
const (
	AppName    = "CHRONICLE"
	AppVersion = "1.0.0"
	Cipher     = "AES-256-GCM"
)

// Document types accepted by the upload endpoint.
const (
	TypeMarkdown = "markdown"
	TypeImage    = "image"
	TypeJSON     = "json"
)

// Tag is a name/value pair attached to a stored object.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Document describes an upload before it is encoded.
type Document struct {
	Type      string
	Name      string
	Encrypted bool
	CipherIV  string
}

// Tags returns the tag set of a document stored with contentType.
func (d Document) Tags(contentType string) []Tag {
	name := d.Name
	if name == "" {
		name = "Untitled"
	}
	tags := []Tag{
		{Name: "Content-Type", Value: contentType},
		{Name: "App-Name", Value: AppName},
		{Name: "App-Version", Value: AppVersion},
		{Name: "Type", Value: d.Type},
		{Name: "Service", Value: AppName},
		{Name: "Document-Name", Value: name},
	}
	if d.Encrypted {
		tags = append(tags,
			Tag{Name: "Encrypted", Value: "true"},
			Tag{Name: "Cipher", Value: Cipher},
		)
		if d.CipherIV != "" {
			tags = append(tags, Tag{Name: "Cipher-IV", Value: d.CipherIV})
		}
	}
	return tags
}

// Encode turns the request payload of a document into the stored bytes and
// their content type. Images arrive as base64, optionally as a data URL;
// markdown and json are stored verbatim. Encrypted payloads are opaque and
// always stored verbatim.
func Encode(docType, data string, encrypted bool) ([]byte, string, error) {
	switch docType {
	case TypeMarkdown:
		return []byte(data), "text/markdown", nil
	case TypeJSON:
		return []byte(data), "application/json", nil
	case TypeImage:
		contentType := "image/png"
		payload := data
		if meta, rest, ok := strings.Cut(data, ","); ok && strings.HasPrefix(meta, "data:") {
			payload = rest
			if mime, _, _ := strings.Cut(strings.TrimPrefix(meta, "data:"), ";"); mime != "" {
				contentType = mime
			}
		}
		if encrypted {
			return []byte(data), contentType, nil
		}
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("storage: image is not base64: %w", err)
		}
		return b, contentType, nil
	}
	return nil, "", fmt.Errorf("storage: unknown document type %q", docType)
}
