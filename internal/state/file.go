package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/sentinel/internal/state"

const (
	currentDir   = "current"
	snapshotsDir = "snapshots"
	historyDir   = "history"
	indexFile    = "checkpoints.json"
	// headFile names the current generation under currentDir.
	headFile = "HEAD"
	// tmpPrefix marks directories still being written.
	tmpPrefix = ".tmp-"
	// loadAttempts bounds retries of a Load racing a writer.
	loadAttempts = 5
)

// FileStore keeps state as JSON files under a directory:
//
//	<dir>/current/HEAD
//	<dir>/current/gen-<nanos>-<id>/{loop,queue,gates,errors,agents}.json
//	<dir>/snapshots/<token>/...
//	<dir>/history/<session>/...
//	<dir>/checkpoints.json
//
// A state's parts are written into a temp directory, synced and renamed
// into place as a whole. The current state is a new generation directory
// published by atomically replacing HEAD, so a reader in another process
// sees one complete save or the previous one, never a mix.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	closed bool
	now    func() time.Time
	logger *zap.Logger

	tracer trace.Tracer
	writes metric.Int64Counter
}

type checkpointEntry struct {
	Token     Token     `json:"token"`
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Iteration int       `json:"iteration"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the store logger.
func WithFileLogger(l *zap.Logger) FileOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFileClock sets the time source.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		s.now = now
	}
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	s := &FileStore{
		dir:    dir,
		now:    time.Now,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writes = newWriteCounter(s.logger)
	return s, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes s as the current state.
func (s *FileStore) Save(ctx context.Context, st *LoopState) error {
	ctx, span := s.tracer.Start(ctx, "state.save", trace.WithAttributes(
		attribute.Int("loop.iteration", st.Iteration),
		attribute.String("loop.phase", string(st.Phase)),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.saveCurrent(st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	countWrite(ctx, s.writes, "save")
	return nil
}

// Load reads the current state.
func (s *FileStore) Load(_ context.Context) (*LoopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.loadCurrent()
}

// Snapshot writes an immutable copy of st.
func (s *FileStore) Snapshot(ctx context.Context, st *LoopState) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	token := NewToken(s.now())
	parts, err := encode(st)
	if err != nil {
		return "", err
	}
	if err := writeDirAtomic(filepath.Join(s.dir, snapshotsDir, string(token)), parts); err != nil {
		return "", err
	}
	countWrite(ctx, s.writes, "snapshot")
	return token, nil
}

// Checkpoint writes a snapshot and records it under name.
func (s *FileStore) Checkpoint(ctx context.Context, name string, st *LoopState) (Token, error) {
	token, err := s.Snapshot(ctx, st)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex()
	if err != nil {
		return "", err
	}
	index = append(index, checkpointEntry{
		Token:     token,
		Name:      name,
		SessionID: st.SessionID,
		Iteration: st.Iteration,
		Phase:     st.Phase,
		CreatedAt: s.now(),
	})
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding checkpoint index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexFile), data); err != nil {
		return "", err
	}
	countWrite(ctx, s.writes, "checkpoint")
	return token, nil
}

// Restore reads a snapshot, checkpoint or archive.
func (s *FileStore) Restore(_ context.Context, token Token) (*LoopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	dir, err := s.tokenDir(token)
	if err != nil {
		return nil, err
	}
	return s.readParts(dir)
}

// List returns every snapshot, checkpoint and archive, oldest first.
func (s *FileStore) List(_ context.Context) ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	named := make(map[Token]checkpointEntry, len(index))
	for _, e := range index {
		named[e.Token] = e
	}

	var infos []SnapshotInfo
	entries, err := os.ReadDir(filepath.Join(s.dir, snapshotsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		token := Token(e.Name())
		info := s.describe(filepath.Join(s.dir, snapshotsDir, e.Name()), token, KindSnapshot)
		info.CreatedAt = tokenTime(token, info.CreatedAt)
		if cp, ok := named[token]; ok {
			info.Kind = KindCheckpoint
			info.Name = cp.Name
			info.CreatedAt = cp.CreatedAt
		}
		infos = append(infos, info)
	}

	entries, err = os.ReadDir(filepath.Join(s.dir, historyDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			infos = append(infos, s.describe(filepath.Join(s.dir, historyDir, e.Name()), ArchiveToken(e.Name()), KindArchive))
		}
	}

	sort.SliceStable(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Archive copies st into history under its session id.
func (s *FileStore) Archive(ctx context.Context, st *LoopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if st.SessionID == "" {
		return errors.New("archive requires a session id")
	}
	parts, err := encode(st)
	if err != nil {
		return err
	}
	if err := replaceDir(filepath.Join(s.dir, historyDir, st.SessionID), parts); err != nil {
		return err
	}
	countWrite(ctx, s.writes, "archive")
	s.logger.Info("session archived", zap.String("session_id", st.SessionID), zap.Int("iterations", st.Iteration))
	return nil
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) tokenDir(token Token) (string, error) {
	name := string(token)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid token %q", ErrNotFound, name)
	}
	dir := filepath.Join(s.dir, snapshotsDir, name)
	if session, ok := strings.CutPrefix(name, "archive-"); ok {
		dir = filepath.Join(s.dir, historyDir, session)
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return dir, nil
}

func (s *FileStore) describe(dir string, token Token, kind Kind) SnapshotInfo {
	info := SnapshotInfo{Token: token, Kind: kind}
	data, err := os.ReadFile(filepath.Join(dir, partLoop+".json"))
	if err != nil {
		return info
	}
	var core LoopState
	if json.Unmarshal(data, &core) == nil {
		info.SessionID = core.SessionID
		info.Iteration = core.Iteration
		info.Phase = core.Phase
		info.CreatedAt = core.UpdatedAt
	}
	return info
}

// saveCurrent writes st as a new generation, points HEAD at it and prunes
// all but the new and previous generations. The previous one is kept for
// readers that resolved HEAD just before the swap.
func (s *FileStore) saveCurrent(st *LoopState) error {
	parts, err := encode(st)
	if err != nil {
		return err
	}
	root := filepath.Join(s.dir, currentDir)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}
	prev, _ := readHead(root)

	gen := fmt.Sprintf("gen-%d-%s", s.now().UnixNano(), uuid.NewString()[:8])
	if err := writeDirAtomic(filepath.Join(root, gen), parts); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(root, headFile), []byte(gen+"\n")); err != nil {
		os.RemoveAll(filepath.Join(root, gen))
		return err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == gen || name == prev {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			s.logger.Warn("failed to prune state generation", zap.String("generation", name), zap.Error(err))
		}
	}
	return nil
}

// loadCurrent reads the generation HEAD names. A read that raced a writer,
// seen as HEAD moving while the parts were read, starts over.
func (s *FileStore) loadCurrent() (*LoopState, error) {
	root := filepath.Join(s.dir, currentDir)
	for range loadAttempts {
		gen, err := readHead(root)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		parts, err := readPartFiles(filepath.Join(root, gen))
		if err != nil {
			return nil, err
		}
		if again, err := readHead(root); err != nil || again != gen {
			continue
		}
		if len(parts) == 0 {
			return nil, ErrNotFound
		}
		return decode(parts, s.logger), nil
	}
	return nil, fmt.Errorf("state changed during %d reads", loadAttempts)
}

func (s *FileStore) readParts(dir string) (*LoopState, error) {
	parts, err := readPartFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, ErrNotFound
	}
	return decode(parts, s.logger), nil
}

// readPartFiles reads the parts present in dir. Missing parts are absent
// from the result.
func readPartFiles(dir string) (map[string][]byte, error) {
	parts := make(map[string][]byte, len(partNames))
	for _, name := range partNames {
		data, err := os.ReadFile(filepath.Join(dir, name+".json"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		parts[name] = data
	}
	return parts, nil
}

func readHead(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, headFile))
	if err != nil {
		return "", err
	}
	gen := strings.TrimSpace(string(data))
	if gen == "" || strings.ContainsAny(gen, `/\`) || strings.HasPrefix(gen, ".") {
		return "", fmt.Errorf("invalid state head %q", gen)
	}
	return gen, nil
}

// writeDirAtomic writes parts into a temp directory beside dir and renames
// it to dir, which must not exist.
func writeDirAtomic(dir string, parts map[string][]byte) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}
	tmp, err := os.MkdirTemp(parent, tmpPrefix+filepath.Base(dir)+"-")
	if err != nil {
		return fmt.Errorf("creating temp dir for %s: %w", dir, err)
	}
	for _, name := range partNames {
		if err := writeFileSynced(filepath.Join(tmp, name+".json"), parts[name]); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("renaming %s: %w", dir, err)
	}
	return nil
}

// replaceDir is writeDirAtomic for a dir that may already exist. The old
// directory is moved aside before the new one is renamed in.
func replaceDir(dir string, parts map[string][]byte) error {
	old := filepath.Join(filepath.Dir(dir), tmpPrefix+"old-"+filepath.Base(dir))
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("clearing %s: %w", old, err)
	}
	if err := os.Rename(dir, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("moving %s aside: %w", dir, err)
	}
	if err := writeDirAtomic(dir, parts); err != nil {
		if _, statErr := os.Stat(old); statErr == nil {
			os.Rename(old, dir)
		}
		return err
	}
	os.RemoveAll(old)
	return nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return f.Close()
}

func (s *FileStore) readIndex() ([]checkpointEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint index: %w", err)
	}
	var index []checkpointEntry
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warn("corrupted checkpoint index, reading as empty", zap.Error(err))
		return nil, nil
	}
	return index, nil
}

// writeFileAtomic writes data to a temp file beside path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// tokenTime extracts the creation time from a snap-<nanos>-<id> token.
func tokenTime(token Token, fallback time.Time) time.Time {
	parts := strings.SplitN(string(token), "-", 3)
	if len(parts) != 3 || parts[0] != "snap" {
		return fallback
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(0, n)
}

func newWriteCounter(logger *zap.Logger) metric.Int64Counter {
	c, err := otel.Meter(instrumentationName).Int64Counter(
		"sentinel.state.writes_total",
		metric.WithDescription("State store writes by kind"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		logger.Warn("failed to create state write counter", zap.Error(err))
		return nil
	}
	return c
}

func countWrite(ctx context.Context, c metric.Int64Counter, kind string) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
