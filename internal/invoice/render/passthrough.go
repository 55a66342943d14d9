package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
)

const DefaultContentType = "application/xml"

// Passthrough delivers the submitted document as-is after checking that it is
// well-formed XML.
type Passthrough struct{}

func NewRenderer() invoicedomain.Renderer {
	return Passthrough{}
}

func (Passthrough) Render(ctx context.Context, req invoicedomain.CreateRequest) (invoicedomain.Document, error) {
	if err := ctx.Err(); err != nil {
		return invoicedomain.Document{}, err
	}
	content := bytes.TrimSpace(req.Document)
	if len(content) == 0 {
		return invoicedomain.Document{}, &invoicedomain.ValidationError{Issues: []storage.ValidationIssue{
			{Path: "document", Msg: "document is required"},
		}}
	}

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = DefaultContentType
	}
	if strings.Contains(contentType, "xml") {
		if err := checkXML(content); err != nil {
			return invoicedomain.Document{}, &invoicedomain.ValidationError{Issues: []storage.ValidationIssue{
				{Path: "document", Msg: err.Error()},
			}}
		}
	}

	return invoicedomain.Document{
		Content:     content,
		ContentType: contentType,
		Digest:      Digest(content),
	}, nil
}

// Digest returns the hex sha256 of content.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func checkXML(content []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	sawElement := false
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.New("document is not well-formed XML")
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
	if !sawElement {
		return errors.New("document has no root element")
	}
	return nil
}
