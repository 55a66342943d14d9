package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

const (
	documentExt = ".doc"
	metaExt     = ".json"
)

// DocumentArchive writes each document next to a JSON metadata file under
// <dir>/<tenant>/<invoiceId>. The metadata file is written last and marks the
// pair complete.
type DocumentArchive struct {
	dir   string
	clock clock.Clock
	log   *zap.Logger
	mu    sync.RWMutex
}

func NewDocumentArchive(dir string, c clock.Clock, log *zap.Logger) *DocumentArchive {
	if c == nil {
		c = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentArchive{dir: dir, clock: c, log: log.Named("storage.archive")}
}

// pathSegment escapes a tenant or invoice id into a single file name.
func pathSegment(s string) string {
	s = url.PathEscape(s)
	if strings.HasPrefix(s, ".") {
		s = "%2E" + s[1:]
	}
	return s
}

func (a *DocumentArchive) base(tenant, invoiceID string) string {
	return filepath.Join(a.dir, pathSegment(tenant), pathSegment(invoiceID))
}

func (a *DocumentArchive) Put(ctx context.Context, doc domain.ArchivedDocument) (domain.ArchivedDocument, error) {
	doc, err := domain.ValidateDocument(doc)
	if err != nil {
		return domain.ArchivedDocument{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ArchivedDocument{}, err
	}
	doc.ArchivedAt = a.clock.Now()
	meta, err := json.Marshal(doc)
	if err != nil {
		return domain.ArchivedDocument{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	base := a.base(doc.Tenant, doc.InvoiceID)
	if err := writeFileAtomic(base+documentExt, doc.Document); err != nil {
		return domain.ArchivedDocument{}, err
	}
	if err := writeFileAtomic(base+metaExt, meta); err != nil {
		return domain.ArchivedDocument{}, err
	}
	return doc, nil
}

func (a *DocumentArchive) Get(ctx context.Context, tenant, invoiceID string) (*domain.ArchivedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if tenant != "" {
		return a.load(domain.NormalizeTenant(tenant), invoiceID)
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var found *domain.ArchivedDocument
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		doc, err := a.load(name, invoiceID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		if found == nil || doc.ArchivedAt.After(found.ArchivedAt) ||
			(doc.ArchivedAt.Equal(found.ArchivedAt) && doc.Tenant < found.Tenant) {
			found = doc
		}
	}
	return found, nil
}

func (a *DocumentArchive) load(tenant, invoiceID string) (*domain.ArchivedDocument, error) {
	base := a.base(tenant, invoiceID)
	meta, err := os.ReadFile(base + metaExt)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc domain.ArchivedDocument
	if err := json.Unmarshal(meta, &doc); err != nil {
		a.log.Warn("skipping malformed archive metadata", zap.String("path", base+metaExt), zap.Error(err))
		return nil, nil
	}
	body, err := os.ReadFile(base + documentExt)
	if err != nil {
		return nil, err
	}
	doc.Document = body
	return &doc, nil
}

func (a *DocumentArchive) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return os.RemoveAll(a.dir)
}
