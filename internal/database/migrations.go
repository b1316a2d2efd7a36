package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cartoonrewatch/crt80/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationImportLegacyDocuments = "2025-06-01_import_legacy_json_documents"
	migrationImportLegacyContent   = "2025-06-08_import_legacy_block_content"
)

type legacyFile struct {
	relativePath string
	name         string
}

// legacyDocumentFiles maps file paths relative to the legacy assets directory
// onto document names.
var legacyDocumentFiles = []legacyFile{
	{relativePath: filepath.Join("channels", "channels-index.json"), name: documents.NameChannelsIndex},
	{relativePath: filepath.Join("schedules", "schedules.json"), name: documents.NameSchedules},
	{relativePath: filepath.Join("blocks", "active-blocks.json"), name: documents.NameActiveBlocks},
	{relativePath: "analytics.json", name: documents.NameAnalytics},
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func buildMigrations(options Options) []migrationDefinition {
	var migrations []migrationDefinition
	if options.LegacyAssetsDir != "" {
		dir := options.LegacyAssetsDir
		migrations = append(migrations,
			migrationDefinition{
				name: migrationImportLegacyDocuments,
				apply: func(db *gorm.DB) error {
					return importLegacyDocuments(db, dir, legacyDocumentFiles)
				},
			},
			migrationDefinition{
				name: migrationImportLegacyContent,
				apply: func(db *gorm.DB) error {
					files, err := legacyContentFiles(dir)
					if err != nil {
						return err
					}
					return importLegacyDocuments(db, dir, files)
				},
			},
		)
	}
	return migrations
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// importLegacyDocuments copies JSON files into the documents table. Documents
// that already exist are left alone; missing files are skipped.
func importLegacyDocuments(db *gorm.DB, dir string, files []legacyFile) error {
	for _, legacy := range files {
		var count int64
		if err := db.Model(&documents.Document{}).Where("name = ?", legacy.name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, legacy.relativePath))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read legacy %s: %w", legacy.relativePath, err)
		}
		if !json.Valid(raw) {
			continue
		}
		document := documents.Document{
			Name:             legacy.name,
			PayloadJSON:      string(raw),
			UpdatedAtSeconds: time.Now().UTC().Unix(),
		}
		if err := db.Create(&document).Error; err != nil {
			return err
		}
	}
	return nil
}

// legacyContentFiles lists the block index, every block body and every
// channel playlist found under dir.
func legacyContentFiles(dir string) ([]legacyFile, error) {
	files := []legacyFile{{relativePath: filepath.Join("blocks", "blocks-index.json"), name: documents.NameBlocksIndex}}
	skipped := map[string]struct{}{
		"blocks-index.json":   {},
		"active-blocks.json":  {},
		"channels-index.json": {},
	}
	for _, folder := range []struct {
		name   string
		naming func(string) string
	}{
		{name: "blocks", naming: documents.BlockName},
		{name: "channels", naming: documents.ChannelContentName},
	} {
		entries, err := os.ReadDir(filepath.Join(dir, folder.name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list legacy %s: %w", folder.name, err)
		}
		for _, entry := range entries {
			fileName := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(fileName, ".json") {
				continue
			}
			if _, skip := skipped[fileName]; skip {
				continue
			}
			slug := strings.ToLower(strings.TrimSuffix(fileName, ".json"))
			files = append(files, legacyFile{
				relativePath: filepath.Join(folder.name, fileName),
				name:         folder.naming(slug),
			})
		}
	}
	return files, nil
}
