package storage

import (
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/internal/storage/file"
	"github.com/smallbiznis/vida/internal/storage/relational"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("storage",
	fx.Provide(NewBundle),
	fx.Provide(
		func(b domain.Bundle) domain.StatusStore { return b.Status },
		func(b domain.Bundle) domain.DeadLetterStore { return b.DeadLetters },
		func(b domain.Bundle) domain.HistoryStore { return b.History },
		func(b domain.Bundle) domain.DocumentArchive { return b.Documents },
	),
)

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
	DB    *gorm.DB `optional:"true"`
}

// NewBundle selects the storage backend from configuration.
func NewBundle(p Params) (domain.Bundle, error) {
	log := p.Log.Named("storage")
	if p.Cfg.UsesRelationalStorage() {
		if p.DB == nil {
			return domain.Bundle{}, domain.ErrStorageNotConfigured
		}
		log.Info("using relational storage backend", zap.String("dialect", p.DB.Dialector.Name()))
		return NewRelationalBundle(p.DB, p.Clock), nil
	}
	log.Info("using file storage backend",
		zap.String("status_dir", p.Cfg.Storage.StatusDir),
		zap.String("history_dir", p.Cfg.Storage.HistoryDir),
		zap.String("dlq_path", p.Cfg.Storage.DLQPath),
		zap.String("archive_dir", p.Cfg.Storage.ArchiveDir),
	)
	return NewFileBundle(p.Cfg.Storage, p.Clock, p.Log), nil
}

func NewFileBundle(cfg config.StorageConfig, c clock.Clock, log *zap.Logger) domain.Bundle {
	return domain.Bundle{
		Backend:     config.StorageBackendFile,
		Status:      file.NewStatusStore(cfg.StatusDir, c, log),
		DeadLetters: file.NewDeadLetterStore(cfg.DLQPath, c, log),
		History:     file.NewHistoryStore(cfg.HistoryDir, c, log),
		Documents:   file.NewDocumentArchive(cfg.ArchiveDir, c, log),
	}
}

func NewRelationalBundle(conn *gorm.DB, c clock.Clock) domain.Bundle {
	return domain.Bundle{
		Backend:     config.StorageBackendRelational,
		Status:      relational.NewStatusStore(conn, c),
		DeadLetters: relational.NewDeadLetterStore(conn, c),
		History:     relational.NewHistoryStore(conn, c),
		Documents:   relational.NewDocumentArchive(conn, c),
	}
}
