package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/johnayoung/upstox-harvester/internal/config"
	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/models"
)

const (
	tempSuffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"
	tempSuffixLen   = 6
	tempExt         = ".tmp"

	dirPerm  fs.FileMode = 0o755
	filePerm fs.FileMode = 0o644
)

// FileStoreConfig holds the settings of a FileStore
type FileStoreConfig struct {
	Root            string
	ReplaceAttempts int
	ReplaceInitial  time.Duration
	ReplaceMax      time.Duration
}

// FileStoreConfigFrom extracts the store settings from the application config
func FileStoreConfigFrom(cfg *config.AppConfig) FileStoreConfig {
	initial, maxDelay := cfg.ReplaceDelays()
	return FileStoreConfig{
		Root:            cfg.Storage.OutputDir,
		ReplaceAttempts: cfg.Storage.ReplaceAttempts,
		ReplaceInitial:  initial,
		ReplaceMax:      maxDelay,
	}
}

// FileStore keeps documents as JSON files below a root directory.
//
// Save writes the encoded document to a sibling temp file, fsyncs it and renames
// it over the destination. A rename that keeps failing is retried with backoff and
// then replaced by a direct overwrite. If that also fails the temp file is left in
// place for inspection and a PersistenceFatal error is returned.
type FileStore struct {
	cfg        FileStoreConfig
	logger     *slog.Logger
	classifier *errs.ErrorClassifier

	// swappable for tests
	readFile  func(name string) ([]byte, error)
	writeTemp func(name string, data []byte) error
	rename    func(oldpath, newpath string) error
	writeFile func(name string, data []byte, perm fs.FileMode) error
	now       func() time.Time
}

// NewFileStore creates a store rooted at cfg.Root
func NewFileStore(cfg FileStoreConfig, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		cfg.Root = config.DefaultOutputDir
	}
	if cfg.ReplaceAttempts <= 0 {
		cfg.ReplaceAttempts = config.DefaultReplaceAttempts
	}
	if cfg.ReplaceInitial <= 0 {
		cfg.ReplaceInitial = 50 * time.Millisecond
	}
	if cfg.ReplaceMax <= 0 {
		cfg.ReplaceMax = time.Second
	}

	return &FileStore{
		cfg:        cfg,
		logger:     logger.With("component", "storage"),
		classifier: errs.NewErrorClassifier(logger),
		readFile:   os.ReadFile,
		writeTemp:  writeSynced,
		rename:     os.Rename,
		writeFile:  os.WriteFile,
		now:        time.Now,
	}
}

// Root returns the directory the store writes to
func (s *FileStore) Root() string {
	return s.cfg.Root
}

// Locate implements DocumentStore
func (s *FileStore) Locate(inst models.Instrument) string {
	return DocumentKey(inst)
}

// Path returns the filesystem path of a document key
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.cfg.Root, filepath.FromSlash(key))
}

// Load implements DocumentStore
func (s *FileStore) Load(ctx context.Context, key string) (*models.Document, error) {
	path := s.Path(key)

	data, err := s.readFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		s.logger.ErrorContext(ctx, "Failed to read document", "path", path, "error", err)
		return nil, errs.New(errs.ErrorTypePersistenceFatal, "storage", "load", NewStorageError("read", key, err))
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.WarnContext(ctx, "Failed to read JSON", "path", path, "error", err)
		return nil, nil
	}
	normalize(&doc)
	return &doc, nil
}

// Save implements DocumentStore
func (s *FileStore) Save(ctx context.Context, key string, doc *models.Document) error {
	if doc == nil {
		return errs.New(errs.ErrorTypeValidation, "storage", "save", NewStorageError("save", key, errors.New("nil document")))
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return errs.New(errs.ErrorTypePersistenceFatal, "storage", "save", NewStorageError("mkdir", key, err))
	}

	data, err := json.MarshalWithOption(doc, json.DisableHTMLEscape())
	if err != nil {
		return errs.New(errs.ErrorTypePersistenceFatal, "storage", "save", NewStorageError("encode", key, err))
	}

	tmp := s.tempName(path)
	if err := s.writeTemp(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return errs.New(errs.ErrorTypePersistenceFatal, "storage", "save", NewStorageError("write_temp", key, err))
	}

	// An interrupted run still commits the chunk it already staged.
	commitCtx := context.WithoutCancel(ctx)

	replaceErr := s.classifier.Retry(commitCtx, "storage", "replace",
		errs.NewReplaceBackOff(s.cfg.ReplaceInitial, s.cfg.ReplaceMax, s.cfg.ReplaceAttempts),
		func() error {
			if err := s.rename(tmp, path); err != nil {
				return errs.New(errs.ErrorTypePersistenceContention, "storage", "replace", err)
			}
			return nil
		})
	if replaceErr == nil {
		return nil
	}

	if err := s.writeFile(path, data, filePerm); err != nil {
		s.logger.ErrorContext(ctx, "Failed to write document, even with fallback",
			"path", path,
			"temp", tmp,
			"error", err)
		return errs.New(errs.ErrorTypePersistenceFatal, "storage", "save", NewStorageError("fallback_write", key, err)).
			WithContext("temp", tmp)
	}

	_ = os.Remove(tmp)
	s.logger.WarnContext(ctx, "Atomic replace failed; wrote non-atomically",
		"path", path,
		"last_error", replaceErr)
	return nil
}

// Keys implements DocumentStore
func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(s.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.cfg.Root {
				return filepath.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), documentExt) {
			return nil
		}

		rel, err := filepath.Rel(s.cfg.Root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, NewStorageError("keys", "", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// tempName returns "<path>.<unixmillis>.<random>.tmp"
func (s *FileStore) tempName(path string) string {
	suffix := make([]byte, tempSuffixLen)
	for i := range suffix {
		suffix[i] = tempSuffixChars[rand.IntN(len(tempSuffixChars))]
	}
	return fmt.Sprintf("%s.%d.%s%s", path, s.now().UnixMilli(), suffix, tempExt)
}

func writeSynced(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// normalize fills the collections a hand-edited or older document may lack
func normalize(doc *models.Document) {
	if doc.Timeframes == nil {
		doc.Timeframes = make(map[string]*models.TimeframeState)
	}
	for key, state := range doc.Timeframes {
		if state == nil {
			doc.Timeframes[key] = models.NewTimeframeState()
			continue
		}
		if state.Candles == nil {
			state.Candles = []models.Candle{}
		}
	}
}
