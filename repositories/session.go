//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../mocks/mock_session_repository.go -package=mocks
package repositories

import (
	goerrors "errors"
	"fmt"
	"io/fs"
	"matrix-client/domain"
	"matrix-client/errors"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type ISessionRepository interface {
	// Load returns errors.ErrSessionNotFound when nothing was persisted yet
	// and errors.ErrSessionCorrupt when the file cannot be decoded.
	Load() (domain.SessionRecord, error)
	Save(record domain.SessionRecord) error
}

// SessionRepository persists the session record as YAML in a single file.
type SessionRepository struct {
	path     string
	validate *validator.Validate
}

func NewSessionRepository(path string) *SessionRepository {
	return &SessionRepository{path: path, validate: validator.New()}
}

func (r SessionRepository) Path() string { return r.path }

// Load reads the session file without ever modifying it.
func (r SessionRepository) Load() (domain.SessionRecord, error) {
	data, err := os.ReadFile(r.path)
	if goerrors.Is(err, fs.ErrNotExist) {
		return domain.SessionRecord{}, errors.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("read session file %s: %w", r.path, err)
	}

	var record domain.SessionRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %v", errors.ErrSessionCorrupt, err)
	}
	if err := r.validate.Struct(record); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %v", errors.ErrSessionCorrupt, err)
	}
	return record, nil
}

// Save replaces the session file atomically: the record is written to a
// temporary file in the same directory which is then renamed over the target.
func (r SessionRepository) Save(record domain.SessionRecord) error {
	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary session file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
